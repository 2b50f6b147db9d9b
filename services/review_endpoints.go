package services

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

// ReviewEndpoints lets authenticated reviewers read, override and re-trigger
// evaluations, and read a session's audit trail.
type ReviewEndpoints struct {
	repo      *repository.GORMRepository
	auditRepo *repository.AuditRepository
	auth      *AuthService
	evaluator *Evaluator
	audit     *AuditEmitter
	now       func() time.Time
}

func NewReviewEndpoints(repo *repository.GORMRepository, auditRepo *repository.AuditRepository, auth *AuthService, evaluator *Evaluator, audit *AuditEmitter) *ReviewEndpoints {
	return &ReviewEndpoints{
		repo:      repo,
		auditRepo: auditRepo,
		auth:      auth,
		evaluator: evaluator,
		audit:     audit,
		now:       time.Now,
	}
}

type OverrideRequest struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

type EvaluationView struct {
	Evaluation     *models.Evaluation      `json:"evaluation"`
	EffectiveScore float64                 `json:"effective_score"`
	Report         *models.InterviewReport `json:"report,omitempty"`
}

func (e *ReviewEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/review/sessions/{sessionID}", func(r chi.Router) {
		r.Use(e.auth.Middleware)
		r.Get("/evaluation", e.GetEvaluationHandler)
		r.Post("/evaluation", e.TriggerHandler)
		r.Post("/override", e.OverrideHandler)
		r.Get("/audit", e.AuditHandler)
	})
}

func (e *ReviewEndpoints) evaluationView(r *http.Request, eval *models.Evaluation) *EvaluationView {
	report, err := e.repo.GetReport(r.Context(), eval.SessionID)
	if err != nil {
		slog.Warn("Failed to load report", "session_id", eval.SessionID, "error", err)
	}
	return &EvaluationView{Evaluation: eval, EffectiveScore: eval.EffectiveScore(), Report: report}
}

func (e *ReviewEndpoints) GetEvaluationHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eval, err := e.repo.GetEvaluation(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load evaluation")
		return
	}
	if eval == nil {
		writeError(w, http.StatusNotFound, "evaluation_not_found", "No evaluation for this session")
		return
	}
	writeJSON(w, http.StatusOK, e.evaluationView(r, eval))
}

// TriggerHandler runs the evaluation synchronously. An existing evaluation is
// returned unchanged with 200; a new one yields 201.
func (e *ReviewEndpoints) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eval, created, err := e.evaluator.Trigger(r.Context(), sessionID)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	case errors.Is(err, ErrSessionNotSubmitted):
		writeError(w, http.StatusConflict, "session_not_submitted", "Session has no submitted recording")
		return
	case err != nil:
		slog.Error("Manual evaluation failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation_failed", "Evaluation failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, e.evaluationView(r, eval))
}

func (e *ReviewEndpoints) OverrideHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := ReviewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	var req OverrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Score == nil || *req.Score < 0 || *req.Score > 100 {
		writeError(w, http.StatusBadRequest, "invalid_score", "Score must be between 0 and 100")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason_required", "An override needs a reason")
		return
	}

	eval, err := e.repo.ApplyOverride(r.Context(), sessionID, *req.Score, req.Reason, reviewer.ID, e.now())
	if errors.Is(err, repository.ErrEvaluationNotFound) {
		writeError(w, http.StatusNotFound, "evaluation_not_found", "No evaluation for this session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to apply override")
		return
	}

	session, err := e.repo.GetSessionByID(r.Context(), sessionID)
	if err == nil && session != nil {
		e.audit.Emit(session.Token, &session.ID, models.AuditScoreOverridden, reviewer.Email, map[string]any{
			"score":    *req.Score,
			"previous": eval.OverallScore,
			"reason":   req.Reason,
		})
	}
	writeJSON(w, http.StatusOK, e.evaluationView(r, eval))
}

func (e *ReviewEndpoints) AuditHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := e.repo.GetSessionByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := e.auditRepo.GetEvents(r.Context(), session.Token, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load audit events")
		return
	}
	counts, err := e.auditRepo.CountByType(r.Context(), session.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to count audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"counts": counts,
	})
}
