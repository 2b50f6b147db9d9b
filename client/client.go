// Package client talks to the interview server on behalf of the candidate
// runtime.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/krshsl/praxis/proctor/voice"
)

// APIError is a structured failure returned by the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status >= 500:
		return true
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// IsConflict reports whether err is a terminal-outcome conflict (409).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

type Question struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Skill string `json:"skill,omitempty"`
}

type Session struct {
	ID                   string     `json:"id"`
	Token                string     `json:"token"`
	PackID               *string    `json:"pack_id,omitempty"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	StartedAt            time.Time  `json:"started_at"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
	RecordingURL         *string    `json:"recording_url,omitempty"`
	RecordingStatus      string     `json:"recording_status"`
}

type SessionView struct {
	Session         Session    `json:"session"`
	TotalQuestions  int        `json:"total_questions"`
	Complete        bool       `json:"complete"`
	Questions       []Question `json:"questions"`
	CurrentQuestion *Question  `json:"current_question,omitempty"`

	AnswerBudgetSeconds int `json:"answer_budget_seconds"`
}

type TurnInput struct {
	QuestionID          string    `json:"question_id"`
	QuestionText        string    `json:"question_text"`
	IsFollowUp          bool      `json:"is_follow_up"`
	CandidateAnswer     string    `json:"candidate_answer"`
	TranscriptFragments []string  `json:"transcript_fragments,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
}

type Turn struct {
	ID              string  `json:"id"`
	QuestionID      string  `json:"question_id"`
	CandidateAnswer *string `json:"candidate_answer"`
	Unanswered      bool    `json:"unanswered"`
	IsFollowUp      bool    `json:"is_follow_up"`
}

type TurnResult struct {
	Turn    Turn `json:"turn"`
	Created bool `json:"created"`
}

type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	ObjectKey string `json:"object_key"`
	FinalURL  string `json:"final_url"`
	ExpiresIn int    `json:"expires_in"`
}

type RecordingStatus struct {
	Status        string  `json:"status"`
	RecordingURL  *string `json:"recording_url,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the API rooted at baseURL, e.g.
// https://interviews.example.com/api/v1.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) interviewPath(token, suffix string) string {
	return c.baseURL + "/interviews/" + url.PathEscape(token) + suffix
}

// StartSession creates the session for token or returns the existing one.
func (c *Client) StartSession(ctx context.Context, token string) (*SessionView, error) {
	var out SessionView
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/session"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, token string) (*SessionView, error) {
	var out SessionView
	if err := c.doJSON(ctx, http.MethodGet, c.interviewPath(token, "/session"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecordTurn(ctx context.Context, token string, in TurnInput) (*TurnResult, error) {
	var out TurnResult
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/turns"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Advance moves the cursor forward by one from fromIndex. Replaying the same
// fromIndex is harmless.
func (c *Client) Advance(ctx context.Context, token string, fromIndex int) (*SessionView, error) {
	body := map[string]int{"from_index": fromIndex}
	var out SessionView
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/advance"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VoiceToken implements voice.TokenSource.
func (c *Client) VoiceToken(ctx context.Context, token string) (*voice.Credentials, error) {
	var out voice.Credentials
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/voice-token"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InitUpload(ctx context.Context, token string) (*UploadTarget, error) {
	var out UploadTarget
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/recording/init"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteUpload(ctx context.Context, token, objectKey string) (*RecordingStatus, error) {
	body := map[string]string{"object_key": objectKey}
	var out RecordingStatus
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/recording/complete"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FailUpload(ctx context.Context, token, reason string) (*RecordingStatus, error) {
	body := map[string]string{"reason": reason}
	var out RecordingStatus
	if err := c.doJSON(ctx, http.MethodPost, c.interviewPath(token, "/recording/fail"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FailureNotifier reports terminal recording failures for one interview
// token. It satisfies recording.Notifier.
type FailureNotifier struct {
	Client *Client
	Token  string
}

func (n FailureNotifier) ReportFailure(ctx context.Context, reason string) error {
	_, err := n.Client.FailUpload(ctx, n.Token, reason)
	return err
}

func (c *Client) RecordingStatus(ctx context.Context, token string) (*RecordingStatus, error) {
	var out RecordingStatus
	if err := c.doJSON(ctx, http.MethodGet, c.interviewPath(token, "/recording"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RelayUpload sends the recording through the server instead of directly to
// object storage.
func (c *Client) RelayUpload(ctx context.Context, token string, data []byte, contentType string) (*RecordingStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.interviewPath(token, "/recording/relay"), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	var out RecordingStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutObject uploads data to a presigned URL.
func (c *Client) PutObject(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Code: "storage_rejected", Message: resp.Status}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    "http_error",
		Message: strings.TrimSpace(string(raw)),
	}
}
