package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

const (
	DefaultEvaluationTimeout = 2 * time.Minute

	RecommendAdvance = "advance"
	RecommendHold    = "hold"
	RecommendDecline = "decline"
	RecommendNoData  = "insufficient_data"
)

var ErrSessionNotSubmitted = errors.New("session not submitted")

// Evaluator scores a submitted session once. Concurrent triggers for the same
// session share one computation; later triggers find the stored row.
type Evaluator struct {
	repo      *repository.GORMRepository
	questions *QuestionSource
	scorer    Scorer
	fallback  Scorer
	audit     *AuditEmitter
	timeout   time.Duration

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewEvaluator builds an evaluator. A nil scorer means heuristic only.
func NewEvaluator(repo *repository.GORMRepository, questions *QuestionSource, scorer Scorer, audit *AuditEmitter) *Evaluator {
	fallback := Scorer(HeuristicScorer{})
	if scorer == nil {
		scorer = fallback
	}
	return &Evaluator{
		repo:      repo,
		questions: questions,
		scorer:    scorer,
		fallback:  fallback,
		audit:     audit,
		timeout:   DefaultEvaluationTimeout,
	}
}

// Fire runs Trigger in the background. Errors are logged only; the session
// stays submitted and the sweeper will retry it.
func (e *Evaluator) Fire(sessionID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if _, _, err := e.Trigger(ctx, sessionID); err != nil {
			slog.Error("Evaluation failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Wait blocks until fired evaluations finish.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}

type triggerResult struct {
	eval    *models.Evaluation
	created bool
}

// Trigger returns the session's evaluation, computing it only when none exists.
// created reports whether the computation behind this result persisted it;
// callers that joined an in-flight trigger see the same value.
func (e *Evaluator) Trigger(ctx context.Context, sessionID string) (*models.Evaluation, bool, error) {
	v, err, _ := e.group.Do(sessionID, func() (any, error) {
		eval, created, err := e.evaluate(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return triggerResult{eval: eval, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(triggerResult)
	return res.eval, res.created, nil
}

func (e *Evaluator) evaluate(ctx context.Context, sessionID string) (*models.Evaluation, bool, error) {
	existing, err := e.repo.GetEvaluation(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up evaluation: %w", err)
	}
	if existing != nil {
		slog.Debug("Evaluation already exists", "session_id", sessionID)
		return existing, false, nil
	}

	session, err := e.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, false, repository.ErrSessionNotFound
	}
	if session.RecordingStatus != models.RecordingCompleted {
		return nil, false, ErrSessionNotSubmitted
	}

	eval, err := e.compute(ctx, session)
	if err != nil {
		evaluations.WithLabelValues("failed").Inc()
		e.audit.Emit(session.Token, &session.ID, models.AuditEvaluationFailed, "system", map[string]any{"error": err.Error()})
		return nil, false, err
	}

	stored, created, err := e.repo.CreateEvaluation(ctx, eval, session.RecordingURL)
	if err != nil {
		evaluations.WithLabelValues("failed").Inc()
		e.audit.Emit(session.Token, &session.ID, models.AuditEvaluationFailed, "system", map[string]any{"error": err.Error()})
		return nil, false, fmt.Errorf("failed to store evaluation: %w", err)
	}
	if created {
		evaluations.WithLabelValues("completed").Inc()
		e.audit.Emit(session.Token, &session.ID, models.AuditEvaluationCompleted, "system", map[string]any{
			"score":          stored.OverallScore,
			"recommendation": stored.Recommendation,
			"unanswered":     stored.UnansweredCount,
		})
	}
	return stored, created, nil
}

type scoredItem struct {
	question QuestionRef
	answer   string
	answered bool
}

// items pairs every session question with its turn. Questions without a turn
// are unanswered. Follow-ups and turns outside the list become general items.
func (e *Evaluator) items(ctx context.Context, session *models.InterviewSession) ([]scoredItem, error) {
	questions, err := e.questions.GetQuestions(ctx, session.PackID)
	if err != nil {
		return nil, err
	}
	turns, err := e.repo.GetTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}

	byQuestion := make(map[string]models.InterviewTurn, len(turns))
	for _, t := range turns {
		byQuestion[t.QuestionID] = t
	}

	items := make([]scoredItem, 0, len(questions)+len(turns))
	listed := make(map[string]bool, len(questions))
	for _, q := range questions {
		listed[q.ID] = true
		skill := q.Skill
		if skill == "" {
			skill = GeneralSkill
		}
		item := scoredItem{question: QuestionRef{ID: q.ID, Text: q.Text, Skill: skill}}
		if t, ok := byQuestion[q.ID]; ok {
			item.answer, item.answered = turnAnswer(t)
		}
		items = append(items, item)
	}
	for _, t := range turns {
		if listed[t.QuestionID] {
			continue
		}
		item := scoredItem{question: QuestionRef{ID: t.QuestionID, Text: t.QuestionText, Skill: GeneralSkill}}
		item.answer, item.answered = turnAnswer(t)
		items = append(items, item)
	}
	return items, nil
}

func turnAnswer(t models.InterviewTurn) (string, bool) {
	if t.Unanswered || t.CandidateAnswer == nil {
		return "", false
	}
	answer := strings.TrimSpace(*t.CandidateAnswer)
	return answer, answer != ""
}

func (e *Evaluator) compute(ctx context.Context, session *models.InterviewSession) (*models.Evaluation, error) {
	items, err := e.items(ctx, session)
	if err != nil {
		return nil, err
	}

	scorerName := e.scorer.Name()
	scores := make([]models.QuestionScore, 0, len(items))
	skillTotals := make(map[string][]float64)
	var sum float64
	answered := 0

	for _, item := range items {
		row := models.QuestionScore{
			QuestionID:   item.question.ID,
			QuestionText: item.question.Text,
			Skill:        item.question.Skill,
			Answered:     item.answered,
		}
		if item.answered {
			score, err := e.scorer.ScoreAnswer(ctx, item.question, item.answer)
			if err != nil && e.fallback != e.scorer {
				slog.Warn("Scorer failed, using fallback", "session_id", session.ID, "question_id", item.question.ID, "error", err)
				scorerName = e.scorer.Name() + "+" + e.fallback.Name()
				score, err = e.fallback.ScoreAnswer(ctx, item.question, item.answer)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to score question %s: %w", item.question.ID, err)
			}
			row.Relevance = score.Relevance
			row.Depth = score.Depth
			row.Communication = score.Communication
			row.Score = score.Total()
			row.Feedback = score.Feedback

			sum += row.Score
			answered++
			skillTotals[row.Skill] = append(skillTotals[row.Skill], row.Score)
		}
		scores = append(scores, row)
	}

	overall := 0.0
	if answered > 0 {
		overall = round2(sum / float64(answered))
	}
	unanswered := len(items) - answered
	strengths, risks := summarize(skillTotals, unanswered)

	return &models.Evaluation{
		SessionID:       session.ID,
		CandidateID:     session.CandidateID,
		OverallScore:    overall,
		Strengths:       strengths,
		Risks:           risks,
		Recommendation:  recommend(overall, answered),
		AnsweredCount:   answered,
		UnansweredCount: unanswered,
		Scorer:          scorerName,
		QuestionScores:  scores,
	}, nil
}

// summarize names skills averaging 70 or more as strengths and below 50 as
// risks.
func summarize(skillTotals map[string][]float64, unanswered int) ([]string, []string) {
	skills := make([]string, 0, len(skillTotals))
	for skill := range skillTotals {
		skills = append(skills, skill)
	}
	sort.Strings(skills)

	strengths := []string{}
	risks := []string{}
	for _, skill := range skills {
		var total float64
		for _, s := range skillTotals[skill] {
			total += s
		}
		avg := total / float64(len(skillTotals[skill]))
		switch {
		case avg >= 70:
			strengths = append(strengths, fmt.Sprintf("Strong answers on %s", skill))
		case avg < 50:
			risks = append(risks, fmt.Sprintf("Weak answers on %s", skill))
		}
	}
	if unanswered > 0 {
		risks = append(risks, fmt.Sprintf("%d question(s) left unanswered", unanswered))
	}
	return strengths, risks
}

func recommend(overall float64, answered int) string {
	switch {
	case answered == 0:
		return RecommendNoData
	case overall >= 75:
		return RecommendAdvance
	case overall >= 55:
		return RecommendHold
	default:
		return RecommendDecline
	}
}
