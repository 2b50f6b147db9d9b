package models

import (
	"time"

	"gorm.io/gorm"
)

// Recording outcomes on a session. Completed and failed are terminal and
// mutually exclusive.
const (
	RecordingPending   = "pending"
	RecordingCompleted = "completed"
	RecordingFailed    = "failed"
)

// InterviewToken is the opaque credential for one interview instance. It is
// never updated after issue; validity is derived from ExpiresAt alone.
type InterviewToken struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	Token       string    `gorm:"uniqueIndex;not null" json:"token"`
	CandidateID string    `gorm:"type:uuid;not null;index" json:"candidate_id"`
	PackID      *string   `gorm:"type:uuid" json:"pack_id,omitempty"`
	ExpiresAt   time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Candidate *Candidate `gorm:"foreignKey:CandidateID" json:"candidate,omitempty"`
}

func (t *InterviewToken) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

func (t *InterviewToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// InterviewSession is the server side of one attempt. CurrentQuestionIndex
// only ever grows; the session is complete once it reaches the question total.
type InterviewSession struct {
	ID                   string     `gorm:"type:uuid;primaryKey" json:"id"`
	Token                string     `gorm:"uniqueIndex;not null" json:"token"`
	CandidateID          string     `gorm:"type:uuid;not null;index" json:"candidate_id"`
	PackID               *string    `gorm:"type:uuid;index" json:"pack_id,omitempty"`
	CurrentQuestionIndex int        `gorm:"not null;default:0" json:"current_question_index"`
	StartedAt            time.Time  `gorm:"not null" json:"started_at"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
	RecordingURL         *string    `gorm:"size:1024" json:"recording_url,omitempty"`
	RecordingKey         *string    `gorm:"size:1024" json:"recording_key,omitempty"`
	RecordingStatus      string     `gorm:"not null;default:'pending';check:recording_status IN ('pending', 'completed', 'failed')" json:"recording_status"`
	FailureReason        *string    `gorm:"size:255" json:"failure_reason,omitempty"`
	FailedAt             *time.Time `json:"failed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	// Relationships
	Candidate *Candidate      `gorm:"foreignKey:CandidateID" json:"candidate,omitempty"`
	Turns     []InterviewTurn `gorm:"foreignKey:SessionID" json:"turns,omitempty"`
}

func (s *InterviewSession) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	if s.RecordingStatus == "" {
		s.RecordingStatus = RecordingPending
	}
	return nil
}

// Closed reports whether the attempt reached a terminal recording outcome.
func (s *InterviewSession) Closed() bool {
	return s.RecordingStatus == RecordingCompleted || s.RecordingStatus == RecordingFailed
}

// InterviewTurn is one question-and-answer exchange. Rows are written once.
type InterviewTurn struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_turn_session_question" json:"session_id"`
	QuestionID      string    `gorm:"not null;uniqueIndex:idx_turn_session_question" json:"question_id"`
	QuestionText    string    `gorm:"type:text;not null" json:"question_text"`
	Skill           string    `gorm:"size:100" json:"skill,omitempty"`
	IsFollowUp      bool      `gorm:"not null;default:false" json:"is_follow_up"`
	CandidateAnswer *string   `gorm:"type:text" json:"candidate_answer"`
	TranscriptChunk string    `gorm:"type:text" json:"transcript_chunk,omitempty"`
	Unanswered      bool      `gorm:"not null;default:false" json:"unanswered"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	CreatedAt       time.Time `json:"created_at"`
}

func (t *InterviewTurn) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}
