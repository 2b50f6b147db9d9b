package models

import (
	"math"
	"time"

	"gorm.io/gorm"
)

// Evaluation is the automatic score for one submitted session. After creation
// it changes only through a reviewer override.
type Evaluation struct {
	ID              string   `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID       string   `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	CandidateID     string   `gorm:"type:uuid;not null;index" json:"candidate_id"`
	OverallScore    float64  `gorm:"type:decimal(5,2);not null" json:"overall_score"` // 0.00 to 100.00
	Strengths       []string `gorm:"serializer:json;type:text" json:"strengths"`
	Risks           []string `gorm:"serializer:json;type:text" json:"risks"`
	Recommendation  string   `gorm:"size:50" json:"recommendation"`
	AnsweredCount   int      `json:"answered_count"`
	UnansweredCount int      `json:"unanswered_count"`
	Scorer          string   `gorm:"size:50" json:"scorer"`

	OverrideScore  *float64   `gorm:"type:decimal(5,2)" json:"override_score,omitempty"`
	OverrideReason *string    `gorm:"type:text" json:"override_reason,omitempty"`
	OverriddenBy   *string    `gorm:"type:uuid" json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	QuestionScores []QuestionScore `gorm:"foreignKey:EvaluationID" json:"question_scores,omitempty"`
}

func (e *Evaluation) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// EffectiveScore is the override when one exists, else the computed score.
func (e *Evaluation) EffectiveScore() float64 {
	if e.OverrideScore != nil {
		return *e.OverrideScore
	}
	return e.OverallScore
}

// RoundedScore is the integer form written to candidate and report rows.
func (e *Evaluation) RoundedScore() int {
	return int(math.Round(e.EffectiveScore()))
}

// QuestionScore holds the per-question dimensions. Unanswered questions are
// stored with zero on every dimension.
type QuestionScore struct {
	ID            string  `gorm:"type:uuid;primaryKey" json:"id"`
	EvaluationID  string  `gorm:"type:uuid;not null;index" json:"evaluation_id"`
	QuestionID    string  `gorm:"not null" json:"question_id"`
	QuestionText  string  `gorm:"type:text" json:"question_text"`
	Skill         string  `gorm:"size:100" json:"skill"`
	Answered      bool    `json:"answered"`
	Relevance     float64 `gorm:"type:decimal(5,2)" json:"relevance"`
	Depth         float64 `gorm:"type:decimal(5,2)" json:"depth"`
	Communication float64 `gorm:"type:decimal(5,2)" json:"communication"`
	Score         float64 `gorm:"type:decimal(5,2)" json:"score"`
	Feedback      string  `gorm:"type:text" json:"feedback,omitempty"`
}

func (q *QuestionScore) BeforeCreate(tx *gorm.DB) error {
	ensureID(&q.ID)
	return nil
}

// InterviewReport is the dashboard row for a session.
type InterviewReport struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID      string    `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	CandidateID    string    `gorm:"type:uuid;not null;index" json:"candidate_id"`
	Score          int       `json:"score"`
	Recommendation string    `gorm:"size:50" json:"recommendation"`
	RecordingURL   *string   `gorm:"size:1024" json:"recording_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r *InterviewReport) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
