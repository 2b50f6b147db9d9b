package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"google.golang.org/genai"
	"gopkg.in/yaml.v3"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// QuestionRef is the question a turn answered, as seen by a scorer.
type QuestionRef struct {
	ID    string
	Text  string
	Skill string
}

// AnswerScore holds the per-dimension scores on a 0 to 100 scale.
type AnswerScore struct {
	Relevance     float64 `json:"relevance"`
	Depth         float64 `json:"depth"`
	Communication float64 `json:"communication"`
	Feedback      string  `json:"feedback"`
}

// Total is the unweighted mean of the three dimensions.
func (s *AnswerScore) Total() float64 {
	return round2((s.Relevance + s.Depth + s.Communication) / 3)
}

type Scorer interface {
	Name() string
	ScoreAnswer(ctx context.Context, q QuestionRef, answer string) (*AnswerScore, error)
}

type promptTemplate struct {
	BasePrompt string `yaml:"base_prompt"`
}

func loadPrompt(name string) (string, error) {
	data, err := templateFS.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
	}
	var tmpl promptTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return "", fmt.Errorf("failed to parse prompt %s: %w", name, err)
	}
	return tmpl.BasePrompt, nil
}

// GeminiScorer asks Gemini for a JSON score per answer.
type GeminiScorer struct {
	genaiClient *genai.Client
	model       string
	prompt      string
}

func NewGeminiScorer(ctx context.Context, apiKey, model string) (*GeminiScorer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	prompt, err := loadPrompt("scoring")
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiScorer{genaiClient: client, model: model, prompt: prompt}, nil
}

func (g *GeminiScorer) Name() string { return "gemini:" + g.model }

func (g *GeminiScorer) ScoreAnswer(ctx context.Context, q QuestionRef, answer string) (*AnswerScore, error) {
	prompt := strings.NewReplacer(
		"{{SKILL}}", q.Skill,
		"{{QUESTION}}", q.Text,
		"{{ANSWER}}", answer,
	).Replace(g.prompt)

	temperature := float32(0.2)
	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	}
	result, err := g.genaiClient.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate score: %w", err)
	}
	return parseScore(result.Text())
}

func parseScore(raw string) (*AnswerScore, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var score AnswerScore
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &score); err != nil {
		return nil, fmt.Errorf("failed to parse score: %w", err)
	}
	score.Relevance = clampScore(score.Relevance)
	score.Depth = clampScore(score.Depth)
	score.Communication = clampScore(score.Communication)
	return &score, nil
}

// HeuristicScorer scores without a model. It is the fallback when Gemini is
// unconfigured or fails, and is deterministic.
type HeuristicScorer struct{}

func (HeuristicScorer) Name() string { return "heuristic" }

func (HeuristicScorer) ScoreAnswer(_ context.Context, q QuestionRef, answer string) (*AnswerScore, error) {
	words := tokenize(answer)
	if len(words) == 0 {
		return &AnswerScore{}, nil
	}

	keywords := make(map[string]bool)
	for _, w := range tokenize(q.Text) {
		if len(w) > 3 {
			keywords[w] = true
		}
	}
	hits := 0
	seen := make(map[string]bool)
	for _, w := range words {
		if keywords[w] && !seen[w] {
			hits++
			seen[w] = true
		}
	}
	relevance := 50.0
	if len(keywords) > 0 {
		relevance = 40 + 60*float64(hits)/float64(len(keywords))
	}

	depth := math.Min(100, float64(len(words))*100/150)

	sentences := strings.FieldsFunc(answer, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	perSentence := float64(len(words)) / math.Max(1, float64(len(sentences)))
	communication := 60.0
	if perSentence >= 6 && perSentence <= 30 {
		communication = 80
	}

	return &AnswerScore{
		Relevance:     round2(clampScore(relevance)),
		Depth:         round2(clampScore(depth)),
		Communication: communication,
		Feedback:      fmt.Sprintf("Scored heuristically from %d words.", len(words)),
	}, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
