package models

import (
	"time"

	"gorm.io/gorm"
)

type Candidate struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	FullName string `gorm:"size:255" json:"full_name,omitempty"`
	// InterviewScore is the rounded effective score of the latest evaluation.
	InterviewScore *int           `json:"interview_score,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Tokens []InterviewToken `gorm:"foreignKey:CandidateID" json:"tokens,omitempty"`
}

func (c *Candidate) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

type Reviewer struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string         `gorm:"uniqueIndex;not null" json:"email"`
	Password  string         `gorm:"size:255" json:"-"` // Hashed password (excluded from JSON)
	FullName  string         `gorm:"size:255" json:"full_name,omitempty"`
	Role      string         `gorm:"default:'reviewer'" json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	RefreshTokens []RefreshToken `gorm:"foreignKey:ReviewerID" json:"refresh_tokens,omitempty"`
}

func (r *Reviewer) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// RefreshToken stores the sha256 of a reviewer refresh token.
type RefreshToken struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	ReviewerID string    `gorm:"type:uuid;not null;index" json:"reviewer_id"`
	Token      string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt  time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Relationships
	Reviewer Reviewer `gorm:"foreignKey:ReviewerID" json:"-"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}
