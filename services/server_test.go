package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krshsl/praxis/proctor/client"
	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/testhelpers"
	ws "github.com/krshsl/praxis/proctor/websocket"
)

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	api *client.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testhelpers.SetupTestDB(t)
	ts := httptest.NewUnstartedServer(nil)
	publicURL := "http://" + ts.Listener.Addr().String()

	srv := NewServer(&Config{
		Server:    ServerConfig{PublicURL: publicURL},
		JWT:       JWTConfig{Secret: "test-secret"},
		Agent:     AgentConfig{APIKey: "agent-key"},
		Voice:     VoiceConfig{WSURL: "ws://relay.test/rooms/ws"},
		Sweeper:   SweeperConfig{Schedule: "@every 1h", Grace: time.Minute},
		Interview: InterviewConfig{AnswerBudget: 90 * time.Second},
	})
	srv.SetDatabase(db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.InitializeServices(ctx))

	ts.Config.Handler = srv.SetupRoutes()
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.evaluator.Wait()
		srv.audit.Wait()
	})

	return &testEnv{srv: srv, ts: ts, api: client.New(ts.URL + "/api/v1")}
}

// seedPackToken stores a token with a literal value and a pack of the given
// question texts.
func (e *testEnv) seedPackToken(t *testing.T, value string, questions ...string) *models.InterviewToken {
	t.Helper()
	ctx := context.Background()
	repo := e.srv.repo

	candidate := &models.Candidate{Email: value + "@example.com", FullName: "Candidate " + value}
	require.NoError(t, repo.CreateCandidate(ctx, candidate))

	pack := &models.QuestionPack{CandidateID: &candidate.ID, Title: "pack " + value}
	for i, text := range questions {
		pack.Questions = append(pack.Questions, models.PackQuestion{Position: i, Text: text, Skill: "backend"})
	}
	require.NoError(t, repo.CreateQuestionPack(ctx, pack))

	now := time.Now()
	tok := &models.InterviewToken{
		Token:       value,
		CandidateID: candidate.ID,
		PackID:      &pack.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	require.NoError(t, repo.CreateInterviewToken(ctx, tok))
	return tok
}

func apiError(t *testing.T, err error) *client.APIError {
	t.Helper()
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr
}

func TestInterviewTokenGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		_, err := env.api.StartSession(ctx, "nope")
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "token_invalid", apiErr.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		candidate := &models.Candidate{Email: "late@example.com"}
		require.NoError(t, env.srv.repo.CreateCandidate(ctx, candidate))
		issued := time.Now().Add(-48 * time.Hour)
		require.NoError(t, env.srv.repo.CreateInterviewToken(ctx, &models.InterviewToken{
			Token:       "stale",
			CandidateID: candidate.ID,
			CreatedAt:   issued,
			ExpiresAt:   issued.Add(24 * time.Hour),
		}))

		_, err := env.api.StartSession(ctx, "stale")
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "token_expired", apiErr.Code)

		session, err := env.srv.repo.GetSessionByToken(ctx, "stale")
		require.NoError(t, err)
		assert.Nil(t, session, "rejected token must not create a session")
	})

	t.Run("issued token", func(t *testing.T) {
		tok, err := env.srv.tokens.Issue(ctx, "ada@example.com", "Ada", nil)
		require.NoError(t, err)

		view, err := env.api.StartSession(ctx, tok.Token)
		require.NoError(t, err)
		legacy, err := LegacyQuestions()
		require.NoError(t, err)
		assert.Equal(t, len(legacy), view.TotalQuestions)
		assert.Equal(t, 0, view.Session.CurrentQuestionIndex)
	})
}

func TestTwoQuestionInterview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-1", "How long have you written Go?", "Describe a hard bug.")

	view, err := env.api.StartSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 0, view.Session.CurrentQuestionIndex)
	assert.Equal(t, 2, view.TotalQuestions)
	assert.Equal(t, 90, view.AnswerBudgetSeconds)
	require.NotNil(t, view.CurrentQuestion)
	q1, q2 := view.Questions[0], view.Questions[1]

	again, err := env.api.StartSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, view.Session.ID, again.Session.ID)

	res, err := env.api.RecordTurn(ctx, "tok-1", client.TurnInput{
		QuestionID:      q1.ID,
		QuestionText:    q1.Text,
		CandidateAnswer: "five years",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Turn.Unanswered)
	require.NotNil(t, res.Turn.CandidateAnswer)
	assert.Equal(t, "five years", *res.Turn.CandidateAnswer)

	view, err = env.api.Advance(ctx, "tok-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Session.CurrentQuestionIndex)

	// replaying the same advance is a no-op
	view, err = env.api.Advance(ctx, "tok-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Session.CurrentQuestionIndex)

	res, err = env.api.RecordTurn(ctx, "tok-1", client.TurnInput{
		QuestionID:   q2.ID,
		QuestionText: q2.Text,
	})
	require.NoError(t, err)
	assert.True(t, res.Turn.Unanswered)
	assert.Nil(t, res.Turn.CandidateAnswer)

	view, err = env.api.Advance(ctx, "tok-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Session.CurrentQuestionIndex)
	assert.True(t, view.Complete)
	assert.Equal(t, 2, view.TotalQuestions)
	assert.Nil(t, view.CurrentQuestion)

	_, err = env.api.Advance(ctx, "tok-1", 2)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "session_complete", apiErr.Code)

	target, err := env.api.InitUpload(ctx, "tok-1")
	require.NoError(t, err)
	assert.Contains(t, target.ObjectKey, "recordings/tok-1/")
	require.NoError(t, env.api.PutObject(ctx, target.UploadURL, []byte("webm-bytes"), "video/webm"))

	status, err := env.api.CompleteUpload(ctx, "tok-1", target.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingCompleted, status.Status)
	require.NotNil(t, status.RecordingURL)
	assert.Equal(t, target.FinalURL, *status.RecordingURL)

	// safe to retry
	status, err = env.api.CompleteUpload(ctx, "tok-1", target.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingCompleted, status.Status)

	_, err = env.api.FailUpload(ctx, "tok-1", "tab_closed")
	assert.True(t, client.IsConflict(err))

	env.srv.evaluator.Wait()
	eval, err := env.srv.repo.GetEvaluation(ctx, view.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, 1, eval.AnsweredCount)
	assert.Equal(t, 1, eval.UnansweredCount)

	expected, err := HeuristicScorer{}.ScoreAnswer(ctx, QuestionRef{Text: q1.Text}, "five years")
	require.NoError(t, err)
	assert.InDelta(t, expected.Total(), eval.OverallScore, 0.01, "unanswered question must not lower the aggregate")

	report, err := env.srv.repo.GetReport(ctx, view.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, eval.RoundedScore(), report.Score)
	require.NotNil(t, report.RecordingURL)
	assert.Equal(t, target.FinalURL, *report.RecordingURL)
}

func TestTurnValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-turns", "Only question")

	_, err := env.api.RecordTurn(ctx, "tok-turns", client.TurnInput{QuestionID: "q", QuestionText: "text"})
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	_, err = env.api.StartSession(ctx, "tok-turns")
	require.NoError(t, err)

	_, err = env.api.RecordTurn(ctx, "tok-turns", client.TurnInput{QuestionText: "text"})
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)

	first, err := env.api.RecordTurn(ctx, "tok-turns", client.TurnInput{
		QuestionID:          "follow-1",
		QuestionText:        "Can you expand?",
		IsFollowUp:          true,
		TranscriptFragments: []string{"I would", "use a queue"},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NotNil(t, first.Turn.CandidateAnswer)
	assert.Equal(t, "I would use a queue", *first.Turn.CandidateAnswer)

	second, err := env.api.RecordTurn(ctx, "tok-turns", client.TurnInput{
		QuestionID:      "follow-1",
		QuestionText:    "Can you expand?",
		CandidateAnswer: "something else",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Turn.ID, second.Turn.ID)
	assert.Equal(t, "I would use a queue", *second.Turn.CandidateAnswer)
}

func TestCompleteRejectsForeignKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-a", "Question")
	_, err := env.api.StartSession(ctx, "tok-a")
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
		code string
	}{
		{"other token", "recordings/tok-b/1-x.webm", "invalid_object_key"},
		{"traversal", "recordings/tok-a/../tok-b/1-x.webm", "invalid_object_key"},
		{"bare prefix", "recordings/tok-a/", "invalid_object_key"},
		{"not uploaded", "recordings/tok-a/1-missing.webm", "object_missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.api.CompleteUpload(ctx, "tok-a", tt.key)
			apiErr := apiError(t, err)
			assert.Equal(t, http.StatusBadRequest, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}

	status, err := env.api.RecordingStatus(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingPending, status.Status)
}

func TestFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-fail", "Question")
	view, err := env.api.StartSession(ctx, "tok-fail")
	require.NoError(t, err)

	_, err = env.api.FailUpload(ctx, "tok-fail", "not_a_reason")
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)

	status, err := env.api.FailUpload(ctx, "tok-fail", "recording_revoked")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingFailed, status.Status)
	require.NotNil(t, status.FailureReason)
	assert.Equal(t, "recording_revoked", *status.FailureReason)

	status, err = env.api.FailUpload(ctx, "tok-fail", "tab_closed")
	require.NoError(t, err)
	assert.Equal(t, "recording_revoked", *status.FailureReason, "first failure wins")

	_, err = env.api.RelayUpload(ctx, "tok-fail", []byte("late"), "video/webm")
	assert.True(t, client.IsConflict(err))

	_, err = env.api.InitUpload(ctx, "tok-fail")
	assert.True(t, client.IsConflict(err))

	_, err = env.api.RecordTurn(ctx, "tok-fail", client.TurnInput{QuestionID: "q", QuestionText: "t", CandidateAnswer: "a"})
	assert.True(t, client.IsConflict(err))

	env.srv.evaluator.Wait()
	eval, err := env.srv.repo.GetEvaluation(ctx, view.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, eval)
}

func TestRelayUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-relay", "Question")
	env.seedPackToken(t, "tok-empty", "Question")
	_, err := env.api.StartSession(ctx, "tok-relay")
	require.NoError(t, err)
	_, err = env.api.StartSession(ctx, "tok-empty")
	require.NoError(t, err)

	data := []byte("relayed recording")
	status, err := env.api.RelayUpload(ctx, "tok-relay", data, "video/webm")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingCompleted, status.Status)

	session, err := env.srv.repo.GetSessionByToken(ctx, "tok-relay")
	require.NoError(t, err)
	require.NotNil(t, session.RecordingKey)
	assert.Equal(t, len(data), env.srv.memStore.Size(*session.RecordingKey))

	status, err = env.api.RelayUpload(ctx, "tok-relay", []byte("again"), "video/webm")
	require.NoError(t, err)
	assert.Equal(t, *session.RecordingURL, *status.RecordingURL)

	_, err = env.api.RelayUpload(ctx, "tok-empty", nil, "video/webm")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "empty_recording", apiErr.Code)
}

func TestRelayUploadSizeLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.srv.recordingEndpoints.maxRelay = 8
	env.seedPackToken(t, "tok-big", "Question")
	_, err := env.api.StartSession(ctx, "tok-big")
	require.NoError(t, err)

	// declared length over the cap
	_, err = env.api.RelayUpload(ctx, "tok-big", []byte("sixteen bytes!!!"), "video/webm")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
	assert.Equal(t, "recording_too_large", apiErr.Code)

	// chunked body with no declared length
	body := io.MultiReader(strings.NewReader("sixteen "), strings.NewReader("bytes!!!"))
	req, err := http.NewRequest(http.MethodPut, env.ts.URL+"/api/v1/interviews/tok-big/recording/relay", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "video/webm")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	session, err := env.srv.repo.GetSessionByToken(ctx, "tok-big")
	require.NoError(t, err)
	assert.Nil(t, session.RecordingKey)
	assert.Equal(t, models.RecordingPending, session.RecordingStatus)

	status, err := env.api.RelayUpload(ctx, "tok-big", []byte("8 bytes!"), "video/webm")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingCompleted, status.Status)
}

func TestVoiceTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPackToken(t, "tok-voice", "Question")

	_, err := env.api.VoiceToken(ctx, "tok-voice")
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	view, err := env.api.StartSession(ctx, "tok-voice")
	require.NoError(t, err)

	creds, err := env.api.VoiceToken(ctx, "tok-voice")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.test/rooms/ws", creds.URL)
	assert.Equal(t, "interview-"+view.Session.ID, creds.Room)
	assert.NotEmpty(t, creds.Voice)

	claims, err := env.srv.rooms.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, ws.RoleCandidate, claims.Role)
	assert.Equal(t, creds.Room, claims.Room)

	agentURL := env.ts.URL + "/api/v1/agent/rooms/tok-voice/token"
	resp, err := http.Post(agentURL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, agentURL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Agent-Key", "agent-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/rooms/ws?access_token=forged")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
