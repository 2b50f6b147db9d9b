package repository

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/krshsl/praxis/proctor/models"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// SaveEvent appends an audit event.
func (r *AuditRepository) SaveEvent(ctx context.Context, event *models.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		slog.Error("Failed to save audit event", "error", err, "type", event.Type)
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// GetEvents returns the newest events for a token, newest first.
func (r *AuditRepository) GetEvents(ctx context.Context, token string, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent

	query := r.db.WithContext(ctx).
		Where("token = ?", token).
		Order("created_at DESC").
		Limit(limit)

	if err := query.Find(&events).Error; err != nil {
		slog.Error("Failed to get audit events", "error", err)
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}
	return events, nil
}

// CountByType returns how many events of each type exist for the token.
func (r *AuditRepository) CountByType(ctx context.Context, token string) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.AuditEvent{}).
		Select("type, COUNT(*) AS count").
		Where("token = ?", token).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		slog.Error("Failed to count audit events", "error", err)
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}
