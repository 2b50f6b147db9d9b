package models

import (
	"time"

	"gorm.io/gorm"
)

// QuestionPack is a frozen, ordered list of questions generated for one
// candidate ahead of the interview.
type QuestionPack struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	CandidateID *string   `gorm:"type:uuid;index" json:"candidate_id,omitempty"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Questions []PackQuestion `gorm:"foreignKey:PackID" json:"questions,omitempty"`
}

func (p *QuestionPack) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

type PackQuestion struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	PackID   string `gorm:"type:uuid;not null;index" json:"pack_id"`
	Position int    `gorm:"not null" json:"position"`
	Text     string `gorm:"type:text;not null" json:"text"`
	Skill    string `gorm:"size:100" json:"skill,omitempty"`
}

func (q *PackQuestion) BeforeCreate(tx *gorm.DB) error {
	ensureID(&q.ID)
	return nil
}
