package services

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krshsl/praxis/proctor/answer"
	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

// SessionEndpoints serves session start, turn recording and cursor advance.
// Every route sits behind TokenService.RequireInterviewToken.
type SessionEndpoints struct {
	repo      *repository.GORMRepository
	questions *QuestionSource
	audit     *AuditEmitter
	budget    time.Duration
	now       func() time.Time
}

// NewSessionEndpoints serves sessions whose answers are limited to
// answerBudget per question.
func NewSessionEndpoints(repo *repository.GORMRepository, questions *QuestionSource, audit *AuditEmitter, answerBudget time.Duration) *SessionEndpoints {
	return &SessionEndpoints{
		repo:      repo,
		questions: questions,
		audit:     audit,
		budget:    answerBudget,
		now:       time.Now,
	}
}

type SessionView struct {
	Session         *models.InterviewSession `json:"session"`
	TotalQuestions  int                      `json:"total_questions"`
	Complete        bool                     `json:"complete"`
	Questions       []Question               `json:"questions"`
	CurrentQuestion *Question                `json:"current_question,omitempty"`

	// AnswerBudgetSeconds is the speaking time allowed per question.
	AnswerBudgetSeconds int `json:"answer_budget_seconds"`
}

type RecordTurnRequest struct {
	QuestionID          string    `json:"question_id"`
	QuestionText        string    `json:"question_text"`
	IsFollowUp          bool      `json:"is_follow_up"`
	CandidateAnswer     string    `json:"candidate_answer"`
	TranscriptFragments []string  `json:"transcript_fragments,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
}

type RecordTurnResponse struct {
	Turn    *models.InterviewTurn `json:"turn"`
	Created bool                  `json:"created"`
}

type AdvanceRequest struct {
	FromIndex *int `json:"from_index"`
}

func (e *SessionEndpoints) RegisterRoutes(r chi.Router) {
	r.Post("/session", e.StartSessionHandler)
	r.Get("/session", e.GetSessionHandler)
	r.Post("/turns", e.RecordTurnHandler)
	r.Post("/advance", e.AdvanceHandler)
}

func (e *SessionEndpoints) view(r *http.Request, session *models.InterviewSession) (*SessionView, error) {
	questions, err := e.questions.GetQuestions(r.Context(), session.PackID)
	if err != nil {
		return nil, err
	}
	v := &SessionView{
		Session:        session,
		TotalQuestions: len(questions),
		Complete:       session.CurrentQuestionIndex >= len(questions),
		Questions:      questions,

		AnswerBudgetSeconds: int(e.budget / time.Second),
	}
	if !v.Complete {
		q := questions[session.CurrentQuestionIndex]
		v.CurrentQuestion = &q
	}
	return v, nil
}

func (e *SessionEndpoints) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	tok := interviewTokenFrom(r.Context())

	session, created, err := e.repo.CreateOrGetSession(r.Context(), tok, e.now())
	if err != nil {
		slog.Error("Failed to start session", "error", err, "candidate_id", tok.CandidateID)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to start session")
		return
	}
	if created {
		sessionsStarted.Inc()
		e.audit.Emit(tok.Token, &session.ID, models.AuditSessionStarted, "candidate", nil)
	}

	v, err := e.view(r, session)
	if err != nil {
		slog.Error("Failed to load questions", "error", err, "session_id", session.ID)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load questions")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, v)
}

func (e *SessionEndpoints) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	tok := interviewTokenFrom(r.Context())

	session, err := e.repo.GetSessionByToken(r.Context(), tok.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to get session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return
	}

	v, err := e.view(r, session)
	if err != nil {
		slog.Error("Failed to load questions", "error", err, "session_id", session.ID)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load questions")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RecordTurnHandler stores one immutable turn. The unanswered flag is derived
// here from the reconciled answer; the client cannot set it.
func (e *SessionEndpoints) RecordTurnHandler(w http.ResponseWriter, r *http.Request) {
	tok := interviewTokenFrom(r.Context())

	var req RecordTurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if req.QuestionID == "" || req.QuestionText == "" {
		writeError(w, http.StatusBadRequest, "invalid_turn", "question_id and question_text are required")
		return
	}

	session, err := e.repo.GetSessionByToken(r.Context(), tok.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to get session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return
	}
	if session.Closed() {
		writeError(w, http.StatusConflict, "session_closed", "Session is already closed")
		return
	}

	final := answer.Reconcile(req.CandidateAnswer, req.TranscriptFragments)
	now := e.now()
	t := &models.InterviewTurn{
		SessionID:       session.ID,
		QuestionID:      req.QuestionID,
		QuestionText:    req.QuestionText,
		IsFollowUp:      req.IsFollowUp,
		TranscriptChunk: answer.Join(req.TranscriptFragments),
		Unanswered:      answer.IsUnanswered(final),
		StartedAt:       orNow(req.StartedAt, now),
		EndedAt:         orNow(req.EndedAt, now),
		Skill:           e.skillFor(r, session, req.QuestionID),
	}
	if !t.Unanswered {
		t.CandidateAnswer = &final
	}

	stored, created, err := e.repo.RecordTurn(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to record turn")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		turnsRecorded.WithLabelValues(strconv.FormatBool(!stored.Unanswered)).Inc()
		slog.Info("Turn recorded", "session_id", session.ID, "question_id", stored.QuestionID, "unanswered", stored.Unanswered)
	}
	writeJSON(w, status, RecordTurnResponse{Turn: stored, Created: created})
}

func (e *SessionEndpoints) skillFor(r *http.Request, session *models.InterviewSession, questionID string) string {
	questions, err := e.questions.GetQuestions(r.Context(), session.PackID)
	if err != nil {
		return ""
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q.Skill
		}
	}
	return GeneralSkill
}

// AdvanceHandler moves the cursor by exactly one. With from_index set the
// call is safe to replay.
func (e *SessionEndpoints) AdvanceHandler(w http.ResponseWriter, r *http.Request) {
	tok := interviewTokenFrom(r.Context())

	var req AdvanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	session, err := e.repo.GetSessionByToken(r.Context(), tok.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to get session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return
	}
	questions, err := e.questions.GetQuestions(r.Context(), session.PackID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load questions")
		return
	}

	session, err = e.repo.AdvanceSession(r.Context(), tok.Token, req.FromIndex, len(questions))
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return
	case errors.Is(err, repository.ErrSessionComplete):
		writeError(w, http.StatusConflict, "session_complete", "All questions have been answered")
		return
	case errors.Is(err, repository.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_closed", "Session is already closed")
		return
	case errors.Is(err, repository.ErrCursorMismatch):
		writeError(w, http.StatusConflict, "cursor_mismatch", "Question index is ahead of the session")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "Failed to advance session")
		return
	}

	v, err := e.view(r, session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load questions")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
