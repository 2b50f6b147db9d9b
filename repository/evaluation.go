package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/krshsl/praxis/proctor/models"
)

func (r *GORMRepository) GetEvaluation(ctx context.Context, sessionID string) (*models.Evaluation, error) {
	var eval models.Evaluation
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Preload("QuestionScores").
		First(&eval).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get evaluation", "error", err, "session_id", sessionID)
		return nil, err
	}
	return &eval, nil
}

// CreateEvaluation persists the evaluation with its question scores and
// denormalizes the rounded score onto the candidate and report rows. When
// another writer got there first, the existing evaluation is returned and
// created is false.
func (r *GORMRepository) CreateEvaluation(ctx context.Context, eval *models.Evaluation, recordingURL *string) (*models.Evaluation, bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
			Create(eval)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		for i := range eval.QuestionScores {
			eval.QuestionScores[i].EvaluationID = eval.ID
		}
		if len(eval.QuestionScores) > 0 {
			if err := tx.Create(&eval.QuestionScores).Error; err != nil {
				return err
			}
		}
		return denormalize(tx, eval, recordingURL)
	})
	if err != nil {
		slog.Error("Failed to create evaluation", "error", err, "session_id", eval.SessionID)
		return nil, false, err
	}

	stored, err := r.GetEvaluation(ctx, eval.SessionID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrEvaluationNotFound
	}
	if created {
		slog.Info("Evaluation created", "evaluation_id", stored.ID, "session_id", stored.SessionID, "score", stored.OverallScore)
	}
	return stored, created, nil
}

// ApplyOverride sets the reviewer score. It takes precedence everywhere the
// score is read, including the denormalized rows.
func (r *GORMRepository) ApplyOverride(ctx context.Context, sessionID string, score float64, reason, reviewerID string, now time.Time) (*models.Evaluation, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var eval models.Evaluation
		if err := tx.Where("session_id = ?", sessionID).First(&eval).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEvaluationNotFound
			}
			return err
		}
		eval.OverrideScore = &score
		eval.OverrideReason = &reason
		eval.OverriddenBy = &reviewerID
		eval.OverriddenAt = &now
		err := tx.Model(&eval).Updates(map[string]any{
			"override_score":  score,
			"override_reason": reason,
			"overridden_by":   reviewerID,
			"overridden_at":   now,
		}).Error
		if err != nil {
			return err
		}

		var session models.InterviewSession
		if err := tx.Where("id = ?", sessionID).First(&session).Error; err != nil {
			return err
		}
		return denormalize(tx, &eval, session.RecordingURL)
	})
	if err != nil {
		if !errors.Is(err, ErrEvaluationNotFound) {
			slog.Error("Failed to apply override", "error", err, "session_id", sessionID)
		}
		return nil, err
	}
	slog.Info("Evaluation overridden", "session_id", sessionID, "reviewer_id", reviewerID, "score", score)
	return r.GetEvaluation(ctx, sessionID)
}

func denormalize(tx *gorm.DB, eval *models.Evaluation, recordingURL *string) error {
	rounded := eval.RoundedScore()
	err := tx.Model(&models.Candidate{}).
		Where("id = ?", eval.CandidateID).
		Update("interview_score", rounded).Error
	if err != nil {
		return err
	}

	report := &models.InterviewReport{
		SessionID:      eval.SessionID,
		CandidateID:    eval.CandidateID,
		Score:          rounded,
		Recommendation: eval.Recommendation,
		RecordingURL:   recordingURL,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "recommendation", "recording_url", "updated_at"}),
	}).Create(report).Error
}

func (r *GORMRepository) GetReport(ctx context.Context, sessionID string) (*models.InterviewReport, error) {
	var report models.InterviewReport
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get report", "error", err, "session_id", sessionID)
		return nil, err
	}
	return &report, nil
}

// ListUnscoredSubmitted returns submitted sessions older than the grace
// period that still have no evaluation.
func (r *GORMRepository) ListUnscoredSubmitted(ctx context.Context, submittedBefore time.Time, limit int) ([]models.InterviewSession, error) {
	var sessions []models.InterviewSession
	err := r.db.WithContext(ctx).
		Where("recording_status = ? AND submitted_at < ?", models.RecordingCompleted, submittedBefore).
		Where("NOT EXISTS (SELECT 1 FROM evaluations e WHERE e.session_id = interview_sessions.id)").
		Order("submitted_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		slog.Error("Failed to list unscored sessions", "error", err)
		return nil, err
	}
	return sessions, nil
}
