package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krshsl/praxis/proctor/recording"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestStartSessionAndAdvance(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/interviews/{token}/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"session":         map[string]any{"id": "s1", "token": chi.URLParam(r, "token"), "current_question_index": 0},
			"total_questions": 3,
			"questions":       []map[string]string{{"id": "q1", "text": "one"}},
		})
	})
	r.Post("/api/v1/interviews/{token}/advance", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FromIndex int `json:"from_index"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{
			"session":         map[string]any{"id": "s1", "current_question_index": body.FromIndex + 1},
			"total_questions": 3,
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL + "/api/v1/")
	view, err := c.StartSession(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", view.Session.Token)
	assert.Equal(t, 3, view.TotalQuestions)
	require.Len(t, view.Questions, 1)

	view, err = c.Advance(context.Background(), "tok-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Session.CurrentQuestionIndex)
}

func TestStructuredErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
		conflict  bool
	}{
		{"forbidden", http.StatusForbidden, `{"error":{"code":"invalid_token","message":"token expired"}}`, "invalid_token", false, false},
		{"conflict", http.StatusConflict, `{"error":{"code":"terminal_outcome","message":"already failed"}}`, "terminal_outcome", false, true},
		{"bad gateway", http.StatusBadGateway, `{"error":{"code":"storage_error","message":"head failed"}}`, "storage_error", true, false},
		{"plain text", http.StatusServiceUnavailable, "down", "http_error", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).CompleteUpload(context.Background(), "tok-1", "recordings/tok-1/a.webm")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.retryable, apiErr.Retryable())
			assert.Equal(t, tt.conflict, IsConflict(err))
		})
	}
}

func TestPutObjectAndRelay(t *testing.T) {
	var stored []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		stored, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		if r.URL.Path == "/interviews/tok-1/recording/relay" {
			writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "recording_url": "https://cdn/x.webm"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.PutObject(context.Background(), srv.URL+"/bucket/key", []byte("video"), "video/webm"))
	assert.Equal(t, "video", string(stored))
	assert.Equal(t, "video/webm", contentType)

	status, err := c.RelayUpload(context.Background(), "tok-1", []byte("relayed"), "video/webm")
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "relayed", string(stored))
}

func TestFailureNotifier(t *testing.T) {
	var reasons []string
	r := chi.NewRouter()
	r.Post("/api/v1/interviews/{token}/recording/fail", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if chi.URLParam(r, "token") != "tok-1" {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": map[string]string{"code": "token_invalid", "message": "unknown token"}})
			return
		}
		reasons = append(reasons, body.Reason)
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "failure_reason": body.Reason})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	var notifier recording.Notifier = FailureNotifier{Client: New(srv.URL + "/api/v1"), Token: "tok-1"}
	require.NoError(t, notifier.ReportFailure(context.Background(), recording.ReasonTabClosed))
	assert.Equal(t, []string{"tab_closed"}, reasons)

	other := FailureNotifier{Client: New(srv.URL + "/api/v1"), Token: "tok-2"}
	err := other.ReportFailure(context.Background(), recording.ReasonRevoked)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}
