package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

// DefaultTokenTTL is the lifetime of an interview token from issue.
const DefaultTokenTTL = 24 * time.Hour

type interviewTokenKey struct{}

// TokenValidation is the outcome of checking an interview token.
type TokenValidation struct {
	Valid     bool
	Expired   bool
	Reason    string
	Token     *models.InterviewToken
	Candidate *models.Candidate
}

type TokenService struct {
	repo *repository.GORMRepository
	ttl  time.Duration
	now  func() time.Time
}

func NewTokenService(repo *repository.GORMRepository, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{repo: repo, ttl: ttl, now: time.Now}
}

// Validate never mutates the token; validity is derived from expiry only.
func (s *TokenService) Validate(ctx context.Context, token string) (*TokenValidation, error) {
	if token == "" {
		return &TokenValidation{Reason: "token_missing"}, nil
	}
	record, err := s.repo.GetInterviewToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if record == nil {
		return &TokenValidation{Reason: "token_invalid"}, nil
	}
	if record.Expired(s.now()) {
		return &TokenValidation{Expired: true, Reason: "token_expired", Token: record, Candidate: record.Candidate}, nil
	}
	return &TokenValidation{Valid: true, Token: record, Candidate: record.Candidate}, nil
}

// Issue creates the candidate if needed and mints a fresh token.
func (s *TokenService) Issue(ctx context.Context, email, fullName string, packID *string) (*models.InterviewToken, error) {
	candidate, err := s.repo.GetCandidateByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	if candidate == nil {
		candidate = &models.Candidate{Email: email, FullName: fullName}
		if err := s.repo.CreateCandidate(ctx, candidate); err != nil {
			return nil, fmt.Errorf("failed to create candidate: %w", err)
		}
	}

	value, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now()
	record := &models.InterviewToken{
		Token:       value,
		CandidateID: candidate.ID,
		PackID:      packID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.repo.CreateInterviewToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	record.Candidate = candidate
	return record, nil
}

// RequireInterviewToken validates the {token} URL parameter and rejects the
// request with 403 before any handler runs.
func (s *TokenService) RequireInterviewToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		result, err := s.Validate(r.Context(), token)
		if err != nil {
			slog.Error("Failed to validate interview token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "Failed to validate token")
			return
		}
		if !result.Valid {
			slog.Warn("Interview token rejected", "reason", result.Reason)
			writeError(w, http.StatusForbidden, result.Reason, "Interview link is invalid or has expired")
			return
		}
		ctx := context.WithValue(r.Context(), interviewTokenKey{}, result.Token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func interviewTokenFrom(ctx context.Context) *models.InterviewToken {
	tok, _ := ctx.Value(interviewTokenKey{}).(*models.InterviewToken)
	return tok
}
