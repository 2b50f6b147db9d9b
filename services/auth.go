package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type reviewerContextKey struct{}

// AuthService handles reviewer login with cookie-held tokens. Candidates never
// authenticate here; their interview token is their only credential.
type AuthService struct {
	repo          *repository.GORMRepository
	jwtSecret     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

type CookieClaims struct {
	ReviewerID string `json:"reviewer_id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

type AuthResponse struct {
	Reviewer     *models.Reviewer `json:"reviewer"`
	AccessToken  string           `json:"-"`
	RefreshToken string           `json:"-"`
}

func NewAuthService(repo *repository.GORMRepository, jwtSecret string) *AuthService {
	return &AuthService{
		repo:          repo,
		jwtSecret:     []byte(jwtSecret),
		accessExpiry:  15 * time.Minute,
		refreshExpiry: 7 * 24 * time.Hour,
	}
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken creates a SHA256 hash of the token for secure storage
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// CreateReviewer hashes the password and stores a new reviewer.
func (s *AuthService) CreateReviewer(ctx context.Context, email, password, fullName string) (*models.Reviewer, error) {
	existing, err := s.repo.GetReviewerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing reviewer: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	reviewer := &models.Reviewer{
		Email:    email,
		Password: string(hashed),
		FullName: fullName,
		Role:     "reviewer",
	}
	if err := s.repo.CreateReviewer(ctx, reviewer); err != nil {
		return nil, fmt.Errorf("failed to create reviewer: %w", err)
	}
	return reviewer, nil
}

// Login authenticates a reviewer and issues tokens
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	reviewer, err := s.repo.GetReviewerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer: %w", err)
	}
	if reviewer == nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(reviewer.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	accessToken, err := s.generateAccessToken(reviewer)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	record := &models.RefreshToken{
		ReviewerID: reviewer.ID,
		Token:      hashToken(refreshToken),
		ExpiresAt:  time.Now().Add(s.refreshExpiry),
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	slog.Info("Reviewer logged in", "reviewer_id", reviewer.ID, "email", reviewer.Email)
	return &AuthResponse{
		Reviewer:     reviewer,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh generates a new access token using a refresh token
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	record, err := s.repo.GetRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("invalid refresh token")
	}

	reviewer, err := s.repo.GetReviewerByID(ctx, record.ReviewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer: %w", err)
	}
	if reviewer == nil {
		return nil, fmt.Errorf("reviewer not found")
	}

	accessToken, err := s.generateAccessToken(reviewer)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	return &AuthResponse{Reviewer: reviewer, AccessToken: accessToken}, nil
}

// Logout invalidates all refresh tokens for the reviewer
func (s *AuthService) Logout(ctx context.Context, reviewerID string) error {
	if err := s.repo.DeleteReviewerTokens(ctx, reviewerID); err != nil {
		return fmt.Errorf("failed to delete reviewer tokens: %w", err)
	}
	slog.Info("Reviewer logged out", "reviewer_id", reviewerID)
	return nil
}

// VerifyAccessToken verifies and extracts the reviewer from an access token
func (s *AuthService) VerifyAccessToken(ctx context.Context, token string) (*models.Reviewer, error) {
	claims := &CookieClaims{}

	parsedToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsedToken.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	// the reviewer may have been removed since the token was issued
	reviewer, err := s.repo.GetReviewerByID(ctx, claims.ReviewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviewer: %w", err)
	}
	if reviewer == nil {
		return nil, fmt.Errorf("reviewer not found")
	}
	return reviewer, nil
}

func (s *AuthService) generateAccessToken(reviewer *models.Reviewer) (string, error) {
	now := time.Now()
	claims := &CookieClaims{
		ReviewerID: reviewer.ID,
		Email:      reviewer.Email,
		Role:       reviewer.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

func writeAuthCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   os.Getenv("ENVIRONMENT") == "production",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// SetAuthCookies writes the reviewer session cookies. An empty refresh token
// leaves the existing refresh cookie untouched.
func (s *AuthService) SetAuthCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	writeAuthCookie(w, accessCookie, accessToken, int(s.accessExpiry.Seconds()))
	if refreshToken != "" {
		writeAuthCookie(w, refreshCookie, refreshToken, int(s.refreshExpiry.Seconds()))
	}
}

func (s *AuthService) ClearAuthCookies(w http.ResponseWriter) {
	writeAuthCookie(w, accessCookie, "", -1)
	writeAuthCookie(w, refreshCookie, "", -1)
}

func tokenFromCookie(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ReviewerFromContext returns the reviewer placed by Middleware.
func ReviewerFromContext(ctx context.Context) (*models.Reviewer, bool) {
	reviewer, ok := ctx.Value(reviewerContextKey{}).(*models.Reviewer)
	return reviewer, ok
}

// WithReviewer stores the reviewer in ctx.
func WithReviewer(ctx context.Context, reviewer *models.Reviewer) context.Context {
	return context.WithValue(ctx, reviewerContextKey{}, reviewer)
}

// Middleware for cookie-based reviewer authentication
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accessToken := tokenFromCookie(r, accessCookie); accessToken != "" {
			reviewer, err := s.VerifyAccessToken(r.Context(), accessToken)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), reviewer)))
				return
			}
		}

		if refreshToken := tokenFromCookie(r, refreshCookie); refreshToken != "" {
			resp, err := s.Refresh(r.Context(), refreshToken)
			if err == nil {
				s.SetAuthCookies(w, resp.AccessToken, "")
				next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), resp.Reviewer)))
				return
			}
		}

		writeError(w, http.StatusUnauthorized, "unauthorized", "Reviewer authentication required")
	})
}
