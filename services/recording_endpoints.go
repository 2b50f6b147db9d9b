package services

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
	"github.com/krshsl/praxis/proctor/storage"
)

// DefaultMaxRelayBytes caps recordings sent through the server relay.
const DefaultMaxRelayBytes = 512 << 20

// Recording failure reasons the server accepts.
var failureReasons = map[string]bool{
	"recording_revoked":   true,
	"tab_closed":          true,
	"empty_recording":     true,
	"upload_failed":       true,
	"permission_denied":   true,
	"capture_unsupported": true,
}

// Submitter fires evaluation after a successful submission.
type Submitter interface {
	Fire(sessionID string)
}

type RecordingEndpoints struct {
	repo      *repository.GORMRepository
	store     storage.ObjectStore
	audit     *AuditEmitter
	evaluator Submitter
	maxRelay  int64
	now       func() time.Time
}

func NewRecordingEndpoints(repo *repository.GORMRepository, store storage.ObjectStore, audit *AuditEmitter, evaluator Submitter, maxRelayBytes int64) *RecordingEndpoints {
	if maxRelayBytes <= 0 {
		maxRelayBytes = DefaultMaxRelayBytes
	}
	return &RecordingEndpoints{
		repo:      repo,
		store:     store,
		audit:     audit,
		evaluator: evaluator,
		maxRelay:  maxRelayBytes,
		now:       time.Now,
	}
}

type UploadTargetResponse struct {
	UploadURL string `json:"upload_url"`
	ObjectKey string `json:"object_key"`
	FinalURL  string `json:"final_url"`
	ExpiresIn int    `json:"expires_in"`
}

type RecordingStatusResponse struct {
	Status        string  `json:"status"`
	RecordingURL  *string `json:"recording_url,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

type CompleteRequest struct {
	ObjectKey string `json:"object_key"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

func (e *RecordingEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/recording", func(r chi.Router) {
		r.Get("/", e.StatusHandler)
		r.Post("/init", e.InitHandler)
		r.Post("/complete", e.CompleteHandler)
		r.Post("/fail", e.FailHandler)
		r.Put("/relay", e.RelayHandler)
	})
}

func statusOf(session *models.InterviewSession) RecordingStatusResponse {
	return RecordingStatusResponse{
		Status:        session.RecordingStatus,
		RecordingURL:  session.RecordingURL,
		FailureReason: session.FailureReason,
	}
}

func (e *RecordingEndpoints) session(w http.ResponseWriter, r *http.Request) (*models.InterviewSession, bool) {
	tok := interviewTokenFrom(r.Context())
	session, err := e.repo.GetSessionByToken(r.Context(), tok.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to get session")
		return nil, false
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return nil, false
	}
	return session, true
}

func (e *RecordingEndpoints) StatusHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := e.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusOf(session))
}

func (e *RecordingEndpoints) InitHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := e.session(w, r)
	if !ok {
		return
	}
	if session.Closed() {
		writeError(w, http.StatusConflict, "session_closed", "Recording outcome already recorded")
		return
	}

	target, err := e.store.CreatePresignedUpload(r.Context(), session.Token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_unavailable", "Failed to create upload target")
		return
	}
	writeJSON(w, http.StatusOK, UploadTargetResponse{
		UploadURL: target.UploadURL,
		ObjectKey: target.ObjectKey,
		FinalURL:  target.FinalURL,
		ExpiresIn: int(target.ExpiresIn.Seconds()),
	})
}

// CompleteHandler verifies the uploaded object before submitting. The key
// must sit under the token's prefix and must exist in storage.
func (e *RecordingEndpoints) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	session, ok := e.session(w, r)
	if !ok {
		return
	}
	if !storage.OwnsKey(session.Token, req.ObjectKey) {
		slog.Warn("Rejected out-of-prefix object key", "session_id", session.ID)
		writeError(w, http.StatusBadRequest, "invalid_object_key", "Object key does not belong to this interview")
		return
	}
	if session.RecordingStatus == models.RecordingCompleted && session.RecordingKey != nil && *session.RecordingKey == req.ObjectKey {
		writeJSON(w, http.StatusOK, statusOf(session))
		return
	}

	exists, err := e.store.VerifyExists(r.Context(), req.ObjectKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_unavailable", "Failed to verify upload")
		return
	}
	if !exists {
		writeError(w, http.StatusBadRequest, "object_missing", "Uploaded object was not found")
		return
	}

	e.submit(w, r, session, req.ObjectKey, "direct")
}

// RelayHandler accepts the recording bytes directly. A session that is
// already completed succeeds without storing anything.
func (e *RecordingEndpoints) RelayHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := e.session(w, r)
	if !ok {
		return
	}
	switch session.RecordingStatus {
	case models.RecordingCompleted:
		writeJSON(w, http.StatusOK, statusOf(session))
		return
	case models.RecordingFailed:
		writeError(w, http.StatusConflict, "terminal_outcome", "Recording already marked failed")
		return
	}

	if r.ContentLength > e.maxRelay {
		writeError(w, http.StatusRequestEntityTooLarge, "recording_too_large", "Recording exceeds relay limit")
		return
	}
	spool, err := os.CreateTemp("", "relay-*.webm")
	if err != nil {
		slog.Error("Failed to create relay spool file", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to buffer recording")
		return
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, http.MaxBytesReader(w, r.Body, e.maxRelay))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "recording_too_large", "Recording exceeds relay limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read recording")
		return
	}
	if size == 0 {
		writeError(w, http.StatusBadRequest, "empty_recording", "Recording has no data")
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to buffer recording")
		return
	}

	key := storage.NewObjectKey(session.Token, e.now())
	if err := e.store.Put(r.Context(), key, spool, size, r.Header.Get("Content-Type")); err != nil {
		writeError(w, http.StatusBadGateway, "storage_unavailable", "Failed to store recording")
		return
	}
	e.submit(w, r, session, key, "relay")
}

func (e *RecordingEndpoints) submit(w http.ResponseWriter, r *http.Request, session *models.InterviewSession, key, path string) {
	updated, changed, err := e.repo.MarkSubmitted(r.Context(), session.Token, key, e.store.URLFor(key), e.now())
	if errors.Is(err, repository.ErrTerminalOutcome) {
		writeError(w, http.StatusConflict, "terminal_outcome", "Recording already marked failed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to submit session")
		return
	}
	if changed {
		submissions.WithLabelValues(path).Inc()
		e.audit.Emit(session.Token, &session.ID, models.AuditSessionSubmitted, "candidate", map[string]any{
			"object_key": key,
			"path":       path,
		})
		if e.evaluator != nil {
			e.evaluator.Fire(updated.ID)
		}
	}
	writeJSON(w, http.StatusOK, statusOf(updated))
}

func (e *RecordingEndpoints) FailHandler(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if !failureReasons[reason] {
		writeError(w, http.StatusBadRequest, "invalid_reason", "Unknown failure reason")
		return
	}
	session, ok := e.session(w, r)
	if !ok {
		return
	}

	updated, changed, err := e.repo.MarkFailed(r.Context(), session.Token, reason, e.now())
	if errors.Is(err, repository.ErrTerminalOutcome) {
		writeError(w, http.StatusConflict, "terminal_outcome", "Recording already submitted")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to record failure")
		return
	}
	if changed {
		recordingFailures.WithLabelValues(reason).Inc()
		e.audit.Emit(session.Token, &session.ID, models.AuditRecordingFailed, "candidate", map[string]any{"reason": reason})
	}
	writeJSON(w, http.StatusOK, statusOf(updated))
}
