package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/krshsl/praxis/proctor/models"
)

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(models.All()...)
}

// Ping checks the underlying connection.
func (r *GORMRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Candidate operations
func (r *GORMRepository) CreateCandidate(ctx context.Context, candidate *models.Candidate) error {
	if err := r.db.WithContext(ctx).Create(candidate).Error; err != nil {
		slog.Error("Failed to create candidate", "error", err)
		return err
	}
	slog.Info("Candidate created", "candidate_id", candidate.ID, "email", candidate.Email)
	return nil
}

func (r *GORMRepository) GetCandidateByEmail(ctx context.Context, email string) (*models.Candidate, error) {
	var candidate models.Candidate
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&candidate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get candidate by email", "error", err, "email", email)
		return nil, err
	}
	return &candidate, nil
}

func (r *GORMRepository) GetCandidateByID(ctx context.Context, id string) (*models.Candidate, error) {
	var candidate models.Candidate
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&candidate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get candidate by ID", "error", err, "candidate_id", id)
		return nil, err
	}
	return &candidate, nil
}

// Interview token operations
func (r *GORMRepository) CreateInterviewToken(ctx context.Context, token *models.InterviewToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create interview token", "error", err, "candidate_id", token.CandidateID)
		return err
	}
	slog.Info("Interview token issued", "candidate_id", token.CandidateID, "expires_at", token.ExpiresAt)
	return nil
}

func (r *GORMRepository) GetInterviewToken(ctx context.Context, token string) (*models.InterviewToken, error) {
	var record models.InterviewToken
	err := r.db.WithContext(ctx).Where("token = ?", token).Preload("Candidate").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get interview token", "error", err)
		return nil, err
	}
	return &record, nil
}

// Question pack operations
func (r *GORMRepository) CreateQuestionPack(ctx context.Context, pack *models.QuestionPack) error {
	if err := r.db.WithContext(ctx).Create(pack).Error; err != nil {
		slog.Error("Failed to create question pack", "error", err)
		return err
	}
	slog.Info("Question pack created", "pack_id", pack.ID, "questions", len(pack.Questions))
	return nil
}

func (r *GORMRepository) GetPackQuestions(ctx context.Context, packID string) ([]models.PackQuestion, error) {
	var questions []models.PackQuestion
	err := r.db.WithContext(ctx).Where("pack_id = ?", packID).Order("position").Find(&questions).Error
	if err != nil {
		slog.Error("Failed to get pack questions", "error", err, "pack_id", packID)
		return nil, err
	}
	return questions, nil
}

// Reviewer operations
func (r *GORMRepository) CreateReviewer(ctx context.Context, reviewer *models.Reviewer) error {
	if err := r.db.WithContext(ctx).Create(reviewer).Error; err != nil {
		slog.Error("Failed to create reviewer", "error", err)
		return err
	}
	slog.Info("Reviewer created", "reviewer_id", reviewer.ID, "email", reviewer.Email)
	return nil
}

func (r *GORMRepository) GetReviewerByEmail(ctx context.Context, email string) (*models.Reviewer, error) {
	var reviewer models.Reviewer
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&reviewer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get reviewer by email", "error", err, "email", email)
		return nil, err
	}
	return &reviewer, nil
}

func (r *GORMRepository) GetReviewerByID(ctx context.Context, id string) (*models.Reviewer, error) {
	var reviewer models.Reviewer
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&reviewer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get reviewer by ID", "error", err, "reviewer_id", id)
		return nil, err
	}
	return &reviewer, nil
}

// Token operations
func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) DeleteReviewerTokens(ctx context.Context, reviewerID string) error {
	if err := r.db.WithContext(ctx).Where("reviewer_id = ?", reviewerID).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete reviewer refresh tokens", "error", err, "reviewer_id", reviewerID)
		return err
	}
	return nil
}
