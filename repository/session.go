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

// CreateOrGetSession returns the session for the token, creating it on the
// first call. created is false when a session already existed.
func (r *GORMRepository) CreateOrGetSession(ctx context.Context, tok *models.InterviewToken, now time.Time) (*models.InterviewSession, bool, error) {
	session := &models.InterviewSession{
		Token:       tok.Token,
		CandidateID: tok.CandidateID,
		PackID:      tok.PackID,
		StartedAt:   now,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token"}}, DoNothing: true}).
		Create(session)
	if res.Error != nil {
		slog.Error("Failed to create session", "error", res.Error, "token", tok.Token)
		return nil, false, res.Error
	}

	stored, err := r.GetSessionByToken(ctx, tok.Token)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrSessionNotFound
	}
	created := res.RowsAffected == 1
	if created {
		slog.Info("Session created", "session_id", stored.ID, "token", tok.Token)
	}
	return stored, created, nil
}

func (r *GORMRepository) GetSessionByToken(ctx context.Context, token string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get session by token", "error", err)
		return nil, err
	}
	return &session, nil
}

func (r *GORMRepository) GetSessionByID(ctx context.Context, id string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get session by ID", "error", err, "session_id", id)
		return nil, err
	}
	return &session, nil
}

// RecordTurn inserts the turn unless one already exists for the same
// (session, question) pair. The stored row is returned either way.
func (r *GORMRepository) RecordTurn(ctx context.Context, turn *models.InterviewTurn) (*models.InterviewTurn, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
			DoNothing: true,
		}).
		Create(turn)
	if res.Error != nil {
		slog.Error("Failed to record turn", "error", res.Error, "session_id", turn.SessionID, "question_id", turn.QuestionID)
		return nil, false, res.Error
	}

	var stored models.InterviewTurn
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND question_id = ?", turn.SessionID, turn.QuestionID).
		First(&stored).Error
	if err != nil {
		slog.Error("Failed to read back turn", "error", err, "session_id", turn.SessionID)
		return nil, false, err
	}
	return &stored, res.RowsAffected == 1, nil
}

func (r *GORMRepository) GetTurns(ctx context.Context, sessionID string) ([]models.InterviewTurn, error) {
	var turns []models.InterviewTurn
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at ASC, created_at ASC").
		Find(&turns).Error
	if err != nil {
		slog.Error("Failed to get turns", "error", err, "session_id", sessionID)
		return nil, err
	}
	return turns, nil
}

// AdvanceSession moves the cursor forward by one. The increment is a single
// conditional UPDATE so concurrent callers cannot double-advance.
//
// When fromIndex is set the call is idempotent: a cursor already past
// fromIndex is returned unchanged, and a cursor behind it is a mismatch.
func (r *GORMRepository) AdvanceSession(ctx context.Context, token string, fromIndex *int, total int) (*models.InterviewSession, error) {
	session, err := r.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.Closed() {
		return session, ErrSessionClosed
	}

	q := r.db.WithContext(ctx).Model(&models.InterviewSession{}).
		Where("token = ? AND current_question_index < ?", token, total)
	if fromIndex != nil {
		switch {
		case *fromIndex < session.CurrentQuestionIndex:
			return session, nil
		case *fromIndex > session.CurrentQuestionIndex:
			return session, ErrCursorMismatch
		}
		q = q.Where("current_question_index = ?", *fromIndex)
	}

	res := q.Updates(map[string]any{
		"current_question_index": gorm.Expr("current_question_index + 1"),
		"updated_at":             time.Now(),
	})
	if res.Error != nil {
		slog.Error("Failed to advance session", "error", res.Error, "session_id", session.ID)
		return nil, res.Error
	}

	updated, err := r.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && updated.CurrentQuestionIndex >= total {
		return updated, ErrSessionComplete
	}
	if res.RowsAffected == 1 {
		slog.Info("Session advanced", "session_id", updated.ID, "index", updated.CurrentQuestionIndex, "total", total)
	}
	return updated, nil
}

// MarkSubmitted records the completed upload. A session that is already
// completed is returned unchanged; a failed one yields ErrTerminalOutcome.
func (r *GORMRepository) MarkSubmitted(ctx context.Context, token, objectKey, url string, now time.Time) (*models.InterviewSession, bool, error) {
	res := r.db.WithContext(ctx).Model(&models.InterviewSession{}).
		Where("token = ? AND recording_status = ?", token, models.RecordingPending).
		Updates(map[string]any{
			"recording_status": models.RecordingCompleted,
			"recording_key":    objectKey,
			"recording_url":    url,
			"submitted_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		slog.Error("Failed to mark session submitted", "error", res.Error, "token", token)
		return nil, false, res.Error
	}
	return r.settleOutcome(ctx, token, models.RecordingCompleted, res.RowsAffected == 1)
}

// MarkFailed records a terminal recording failure with the first reason
// reported. It never overwrites a completed session.
func (r *GORMRepository) MarkFailed(ctx context.Context, token, reason string, now time.Time) (*models.InterviewSession, bool, error) {
	res := r.db.WithContext(ctx).Model(&models.InterviewSession{}).
		Where("token = ? AND recording_status = ?", token, models.RecordingPending).
		Updates(map[string]any{
			"recording_status": models.RecordingFailed,
			"failure_reason":   reason,
			"failed_at":        now,
			"updated_at":       now,
		})
	if res.Error != nil {
		slog.Error("Failed to mark session failed", "error", res.Error, "token", token)
		return nil, false, res.Error
	}
	return r.settleOutcome(ctx, token, models.RecordingFailed, res.RowsAffected == 1)
}

func (r *GORMRepository) settleOutcome(ctx context.Context, token, want string, changed bool) (*models.InterviewSession, bool, error) {
	session, err := r.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		return nil, false, ErrSessionNotFound
	}
	if session.RecordingStatus != want {
		return session, false, ErrTerminalOutcome
	}
	if changed {
		slog.Info("Session outcome recorded", "session_id", session.ID, "status", want)
	}
	return session, changed, nil
}
