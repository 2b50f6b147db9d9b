package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
	"github.com/krshsl/praxis/proctor/testhelpers"
)

// countingScorer returns a fixed score per answer text and counts calls.
type countingScorer struct {
	mu     sync.Mutex
	calls  int
	scores map[string]float64
	err    error
}

func (c *countingScorer) Name() string { return "counting" }

func (c *countingScorer) ScoreAnswer(_ context.Context, _ QuestionRef, answer string) (*AnswerScore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	s := c.scores[answer]
	return &AnswerScore{Relevance: s, Depth: s, Communication: s, Feedback: "ok"}, nil
}

func (c *countingScorer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type evalFixture struct {
	db        *gorm.DB
	repo      *repository.GORMRepository
	audit     *AuditEmitter
	questions *QuestionSource
	pack      []models.PackQuestion
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	f := &evalFixture{
		db:    db,
		repo:  repository.NewGORMRepository(db),
		audit: NewAuditEmitter(repository.NewAuditRepository(db)),
	}
	f.questions = NewQuestionSource(f.repo)
	t.Cleanup(f.audit.Wait)
	return f
}

// session creates a started session on a pack with the given question texts.
func (f *evalFixture) session(t *testing.T, token string, texts ...string) *models.InterviewSession {
	t.Helper()
	ctx := context.Background()

	candidate := &models.Candidate{Email: token + "@example.com"}
	require.NoError(t, f.repo.CreateCandidate(ctx, candidate))

	pack := &models.QuestionPack{CandidateID: &candidate.ID, Title: token}
	for i, text := range texts {
		pack.Questions = append(pack.Questions, models.PackQuestion{Position: i, Text: text, Skill: "backend"})
	}
	require.NoError(t, f.repo.CreateQuestionPack(ctx, pack))
	f.pack = pack.Questions

	now := time.Now()
	tok := &models.InterviewToken{
		Token:       token,
		CandidateID: candidate.ID,
		PackID:      &pack.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, f.repo.CreateInterviewToken(ctx, tok))

	session, _, err := f.repo.CreateOrGetSession(ctx, tok, now)
	require.NoError(t, err)
	return session
}

func (f *evalFixture) turn(t *testing.T, session *models.InterviewSession, questionID, text, answer string) {
	t.Helper()
	turn := &models.InterviewTurn{
		SessionID:    session.ID,
		QuestionID:   questionID,
		QuestionText: text,
		Unanswered:   answer == "",
	}
	if answer != "" {
		turn.CandidateAnswer = &answer
	}
	_, _, err := f.repo.RecordTurn(context.Background(), turn)
	require.NoError(t, err)
}

func (f *evalFixture) submit(t *testing.T, session *models.InterviewSession, at time.Time) {
	t.Helper()
	key := "recordings/" + session.Token + "/1-a.webm"
	_, _, err := f.repo.MarkSubmitted(context.Background(), session.Token, key, "https://cdn.test/"+key, at)
	require.NoError(t, err)
}

func scoreFor(eval *models.Evaluation, questionID string) *models.QuestionScore {
	for i := range eval.QuestionScores {
		if eval.QuestionScores[i].QuestionID == questionID {
			return &eval.QuestionScores[i]
		}
	}
	return nil
}

func TestEvaluatorAggregatesAnsweredOnly(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "agg", "First?", "Second?", "Third?")
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, "good answer")
	f.turn(t, session, f.pack[1].ID, f.pack[1].Text, "okay answer")
	// third question never got a turn
	f.submit(t, session, time.Now())

	scorer := &countingScorer{scores: map[string]float64{"good answer": 80, "okay answer": 60}}
	ev := NewEvaluator(f.repo, f.questions, scorer, f.audit)

	eval, created, err := ev.Trigger(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, scorer.Calls())

	assert.InDelta(t, 70, eval.OverallScore, 0.001)
	assert.Equal(t, 2, eval.AnsweredCount)
	assert.Equal(t, 1, eval.UnansweredCount)
	assert.Equal(t, RecommendHold, eval.Recommendation)
	assert.Equal(t, "counting", eval.Scorer)
	assert.Equal(t, []string{"Strong answers on backend"}, eval.Strengths)
	assert.Equal(t, []string{"1 question(s) left unanswered"}, eval.Risks)

	require.Len(t, eval.QuestionScores, 3)
	missing := scoreFor(eval, f.pack[2].ID)
	require.NotNil(t, missing)
	assert.False(t, missing.Answered)
	assert.Zero(t, missing.Score)
	assert.Zero(t, missing.Relevance)

	report, err := f.repo.GetReport(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 70, report.Score)

	candidate, err := f.repo.GetCandidateByID(ctx, session.CandidateID)
	require.NoError(t, err)
	require.NotNil(t, candidate.InterviewScore)
	assert.Equal(t, 70, *candidate.InterviewScore)
}

func TestEvaluatorScoresFollowUpsAsGeneral(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "follow", "Only?")
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, "main")
	f.turn(t, session, "follow-1", "Can you expand?", "more")
	f.submit(t, session, time.Now())

	scorer := &countingScorer{scores: map[string]float64{"main": 90, "more": 30}}
	eval, _, err := NewEvaluator(f.repo, f.questions, scorer, f.audit).Trigger(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, eval.AnsweredCount)
	assert.InDelta(t, 60, eval.OverallScore, 0.001)
	follow := scoreFor(eval, "follow-1")
	require.NotNil(t, follow)
	assert.Equal(t, GeneralSkill, follow.Skill)
	assert.Contains(t, eval.Strengths, "Strong answers on backend")
	assert.Contains(t, eval.Risks, "Weak answers on general")
}

func TestEvaluatorRunsOnceUnderConcurrentTriggers(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "race", "A?", "B?")
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, "alpha")
	f.turn(t, session, f.pack[1].ID, f.pack[1].Text, "beta")
	f.submit(t, session, time.Now())

	scorer := &countingScorer{scores: map[string]float64{"alpha": 50, "beta": 70}}
	ev := NewEvaluator(f.repo, f.questions, scorer, f.audit)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eval, _, err := ev.Trigger(ctx, session.ID)
			if assert.NoError(t, err) {
				ids[i] = eval.ID
			}
		}(i)
	}
	wg.Wait()
	ev.Fire(session.ID)
	ev.Wait()

	assert.Equal(t, 2, scorer.Calls(), "each answer is scored exactly once")
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var count int64
	require.NoError(t, f.db.Model(&models.Evaluation{}).Where("session_id = ?", session.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	_, created, err := ev.Trigger(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEvaluatorAllUnanswered(t *testing.T) {
	f := newEvalFixture(t)
	session := f.session(t, "silent", "A?", "B?")
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, "")
	f.submit(t, session, time.Now())

	scorer := &countingScorer{}
	eval, _, err := NewEvaluator(f.repo, f.questions, scorer, f.audit).Trigger(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Zero(t, scorer.Calls())
	assert.Zero(t, eval.OverallScore)
	assert.Equal(t, 0, eval.AnsweredCount)
	assert.Equal(t, 2, eval.UnansweredCount)
	assert.Equal(t, RecommendNoData, eval.Recommendation)
	assert.Empty(t, eval.Strengths)
}

func TestEvaluatorRejectsUnsubmitted(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "pending", "A?")
	ev := NewEvaluator(f.repo, f.questions, nil, f.audit)

	_, _, err := ev.Trigger(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotSubmitted)

	_, _, err = ev.Trigger(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	eval, err := f.repo.GetEvaluation(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, eval)
}

func TestEvaluatorFallsBackToHeuristic(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "fallback", "Describe your deployment pipeline")
	answer := "Our deployment pipeline builds images and rolls them out gradually."
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, answer)
	f.submit(t, session, time.Now())

	scorer := &countingScorer{err: errors.New("model unavailable")}
	eval, _, err := NewEvaluator(f.repo, f.questions, scorer, f.audit).Trigger(ctx, session.ID)
	require.NoError(t, err)

	want, err := HeuristicScorer{}.ScoreAnswer(ctx, QuestionRef{Text: f.pack[0].Text}, answer)
	require.NoError(t, err)
	assert.Equal(t, "counting+heuristic", eval.Scorer)
	assert.InDelta(t, want.Total(), eval.OverallScore, 0.01)
}

func TestEvaluatorFireAudits(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	session := f.session(t, "fired", "A?")
	f.turn(t, session, f.pack[0].ID, f.pack[0].Text, "an answer")
	f.submit(t, session, time.Now())

	ev := NewEvaluator(f.repo, f.questions, nil, f.audit)
	ev.Fire(session.ID)
	ev.Wait()
	f.audit.Wait()

	eval, err := f.repo.GetEvaluation(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, "heuristic", eval.Scorer)

	counts, err := repository.NewAuditRepository(f.db).CountByType(ctx, session.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.AuditEvaluationCompleted])
}
