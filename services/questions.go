package services

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/krshsl/praxis/proctor/repository"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// GeneralSkill groups follow-ups and questions outside the session's list.
const GeneralSkill = "general"

type Question struct {
	ID    string `json:"id" yaml:"id"`
	Text  string `json:"text" yaml:"text"`
	Skill string `json:"skill,omitempty" yaml:"skill"`
}

var (
	legacyOnce      sync.Once
	legacyQuestions []Question
	legacyErr       error
)

// LegacyQuestions returns the built-in question set.
func LegacyQuestions() ([]Question, error) {
	legacyOnce.Do(func() {
		data, err := templateFS.ReadFile("templates/legacy_questions.yaml")
		if err != nil {
			legacyErr = fmt.Errorf("failed to read legacy questions: %w", err)
			return
		}
		var doc struct {
			Questions []Question `yaml:"questions"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			legacyErr = fmt.Errorf("failed to parse legacy questions: %w", err)
			return
		}
		legacyQuestions = doc.Questions
	})
	return legacyQuestions, legacyErr
}

// QuestionSource resolves the ordered question list for a session: the
// assigned pack when there is one, otherwise the legacy set.
type QuestionSource struct {
	repo *repository.GORMRepository
}

func NewQuestionSource(repo *repository.GORMRepository) *QuestionSource {
	return &QuestionSource{repo: repo}
}

func (q *QuestionSource) GetQuestions(ctx context.Context, packID *string) ([]Question, error) {
	if packID == nil || *packID == "" {
		return LegacyQuestions()
	}
	rows, err := q.repo.GetPackQuestions(ctx, *packID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pack questions: %w", err)
	}
	if len(rows) == 0 {
		return LegacyQuestions()
	}
	questions := make([]Question, 0, len(rows))
	for _, row := range rows {
		questions = append(questions, Question{ID: row.ID, Text: row.Text, Skill: row.Skill})
	}
	return questions, nil
}
