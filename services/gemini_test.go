package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want AnswerScore
	}{
		{
			name: "plain json",
			raw:  `{"relevance": 80, "depth": 70, "communication": 90, "feedback": "clear"}`,
			want: AnswerScore{Relevance: 80, Depth: 70, Communication: 90, Feedback: "clear"},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"relevance\": 50, \"depth\": 40, \"communication\": 60}\n```",
			want: AnswerScore{Relevance: 50, Depth: 40, Communication: 60},
		},
		{
			name: "out of range values are clamped",
			raw:  `{"relevance": 140, "depth": -5, "communication": 100}`,
			want: AnswerScore{Relevance: 100, Depth: 0, Communication: 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := parseScore("the answer was good")
	assert.Error(t, err)
}

func TestAnswerScoreTotal(t *testing.T) {
	s := AnswerScore{Relevance: 70, Depth: 80, Communication: 81}
	assert.Equal(t, 77.0, s.Total())

	s = AnswerScore{Relevance: 10, Depth: 10, Communication: 11}
	assert.Equal(t, 10.33, s.Total())
}

func TestHeuristicScorer(t *testing.T) {
	ctx := context.Background()
	scorer := HeuristicScorer{}
	q := QuestionRef{Text: "How would you design a rate limiter?"}

	empty, err := scorer.ScoreAnswer(ctx, q, "   ")
	require.NoError(t, err)
	assert.Zero(t, empty.Total())

	onTopic, err := scorer.ScoreAnswer(ctx, q,
		"I would design the rate limiter as a token bucket per client. Tokens refill at a fixed rate and each request spends one.")
	require.NoError(t, err)
	offTopic, err := scorer.ScoreAnswer(ctx, q,
		"I enjoy hiking on weekends with my family. We usually go to the mountains nearby.")
	require.NoError(t, err)
	assert.Greater(t, onTopic.Relevance, offTopic.Relevance)
	assert.Equal(t, 40.0, offTopic.Relevance)
	assert.Equal(t, 80.0, onTopic.Communication)

	long, err := scorer.ScoreAnswer(ctx, q, strings.Repeat("word ", 400))
	require.NoError(t, err)
	assert.Equal(t, 100.0, long.Depth)
	assert.Equal(t, 60.0, long.Communication)

	again, err := scorer.ScoreAnswer(ctx, q,
		"I would design the rate limiter as a token bucket per client. Tokens refill at a fixed rate and each request spends one.")
	require.NoError(t, err)
	assert.Equal(t, onTopic, again)
}

func TestScoringPrompt(t *testing.T) {
	prompt, err := loadPrompt("scoring")
	require.NoError(t, err)
	for _, placeholder := range []string{"{{SKILL}}", "{{QUESTION}}", "{{ANSWER}}"} {
		assert.Contains(t, prompt, placeholder)
	}

	_, err = loadPrompt("missing")
	assert.Error(t, err)
}

func TestLegacyQuestions(t *testing.T) {
	questions, err := LegacyQuestions()
	require.NoError(t, err)
	require.Len(t, questions, 5)

	seen := make(map[string]bool)
	for _, q := range questions {
		assert.NotEmpty(t, q.ID)
		assert.NotEmpty(t, q.Text)
		assert.False(t, seen[q.ID], "duplicate id %s", q.ID)
		seen[q.ID] = true
	}
}

func TestNewGeminiScorerRequiresKey(t *testing.T) {
	_, err := NewGeminiScorer(context.Background(), "", "")
	assert.Error(t, err)
}
