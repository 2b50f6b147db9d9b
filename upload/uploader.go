// Package upload moves a finished recording to object storage and asks the
// server to verify it.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/krshsl/praxis/proctor/client"
	"github.com/krshsl/praxis/proctor/recording"
)

// Failure reasons sent to the server.
const (
	ReasonEmptyRecording = "empty_recording"
	ReasonUploadFailed   = "upload_failed"
)

var (
	ErrEmptyRecording = errors.New("recording is empty")
	ErrUploadFailed   = errors.New("upload failed")
)

// API is the subset of *client.Client the uploader needs.
type API interface {
	InitUpload(ctx context.Context, token string) (*client.UploadTarget, error)
	PutObject(ctx context.Context, uploadURL string, data []byte, contentType string) error
	CompleteUpload(ctx context.Context, token, objectKey string) (*client.RecordingStatus, error)
	FailUpload(ctx context.Context, token, reason string) (*client.RecordingStatus, error)
	RelayUpload(ctx context.Context, token string, data []byte, contentType string) (*client.RecordingStatus, error)
}

type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	// RelayFallback sends the bytes through the server when the direct PUT
	// fails.
	RelayFallback bool
	ReportTimeout time.Duration
	Logger        *slog.Logger
}

type Result struct {
	ObjectKey    string
	RecordingURL string
	Relayed      bool
	Attempts     int
}

type Uploader struct {
	api    API
	cfg    Config
	logger *slog.Logger
}

func NewUploader(api API, cfg Config) *Uploader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{api: api, cfg: cfg, logger: cfg.Logger}
}

// Upload transfers rec and completes the session. An empty recording is
// reported as a failure without any transfer. Exhausted retries are reported
// exactly once.
func (u *Uploader) Upload(ctx context.Context, token string, rec *recording.Recording) (*Result, error) {
	if rec.Empty() {
		u.report(ctx, token, ReasonEmptyRecording)
		return nil, ErrEmptyRecording
	}

	var result *Result
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(u.cfg.MaxAttempts-1), retry.NewConstant(u.cfg.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, u.cfg.AttemptTimeout)
		defer cancel()

		res, err := u.attempt(actx, token, rec)
		if err == nil {
			result = res
			return nil
		}
		u.logger.Warn("Upload attempt failed", "token", token, "attempt", attempts, "error", err)
		if !retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if !client.IsConflict(err) {
			u.report(ctx, token, ReasonUploadFailed)
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrUploadFailed, attempts, err)
	}

	result.Attempts = attempts
	u.logger.Info("Recording uploaded", "token", token, "object_key", result.ObjectKey, "relayed", result.Relayed, "attempts", attempts)
	return result, nil
}

func (u *Uploader) attempt(ctx context.Context, token string, rec *recording.Recording) (*Result, error) {
	target, err := u.api.InitUpload(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to init upload: %w", err)
	}

	if err := u.api.PutObject(ctx, target.UploadURL, rec.Data, rec.MimeType); err != nil {
		if !u.cfg.RelayFallback {
			return nil, fmt.Errorf("failed to put object: %w", err)
		}
		u.logger.Warn("Direct upload failed, relaying through server", "token", token, "error", err)
		status, relayErr := u.api.RelayUpload(ctx, token, rec.Data, rec.MimeType)
		if relayErr != nil {
			return nil, fmt.Errorf("failed to relay upload: %w", relayErr)
		}
		return &Result{ObjectKey: target.ObjectKey, RecordingURL: deref(status.RecordingURL), Relayed: true}, nil
	}

	status, err := u.api.CompleteUpload(ctx, token, target.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}
	url := deref(status.RecordingURL)
	if url == "" {
		url = target.FinalURL
	}
	return &Result{ObjectKey: target.ObjectKey, RecordingURL: url}, nil
}

func (u *Uploader) report(ctx context.Context, token, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.ReportTimeout)
	defer cancel()
	if _, err := u.api.FailUpload(ctx, token, reason); err != nil {
		u.logger.Error("Failed to report upload failure", "token", token, "reason", reason, "error", err)
	}
}

func retryable(err error) bool {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
