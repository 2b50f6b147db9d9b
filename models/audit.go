package models

import (
	"time"

	"gorm.io/gorm"
)

// Audit event types.
const (
	AuditSessionStarted      = "session_started"
	AuditSessionSubmitted    = "session_submitted"
	AuditRecordingFailed     = "recording_failed"
	AuditEvaluationCompleted = "evaluation_completed"
	AuditEvaluationFailed    = "evaluation_failed"
	AuditScoreOverridden     = "score_overridden"
)

// AuditEvent is an opaque structured record of an attempt milestone.
type AuditEvent struct {
	ID        string         `json:"id" gorm:"primaryKey;type:uuid"`
	Token     string         `json:"token" gorm:"type:varchar(255);not null;index"`
	SessionID *string        `json:"session_id,omitempty" gorm:"type:uuid;index"`
	Type      string         `json:"type" gorm:"type:varchar(50);not null;index"`
	Actor     string         `json:"actor,omitempty" gorm:"type:varchar(255)"`
	Payload   map[string]any `json:"payload,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt time.Time      `json:"created_at"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

func (a *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
