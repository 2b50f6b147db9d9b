// Package recording owns the proctoring capture for one interview attempt.
// A Recorder is an explicit handle: the attempt that creates it is the only
// thing that may start or stop it.
package recording

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateRecording            State = "recording"
	StateStopping             State = "stopping"
	StateTerminated           State = "terminated"
	StateUploading            State = "uploading"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

const (
	DefaultChunkInterval = 30 * time.Second
	DefaultMimeType      = "video/webm"
)

// Failure reasons reported to the server.
const (
	ReasonRevoked   = "recording_revoked"
	ReasonTabClosed = "tab_closed"
)

var (
	ErrAlreadyActive = errors.New("recording already active")
	ErrUnsupported   = errors.New("screen capture not supported")
	ErrNotRecording  = errors.New("not recording")
	ErrNoData        = errors.New("recording produced no data")
	ErrTerminated    = errors.New("recording terminated")
	ErrNotStopped    = errors.New("recording is not ready for upload")
)

// Source is the screen+audio capture capability.
type Source interface {
	Acquire(ctx context.Context, chunkInterval time.Duration) (Capture, error)
}

// Capture is one acquired stream with its chunked recorder. Chunks is closed
// once the final chunk has been flushed after RequestStop, or on Release.
// Revoked is closed if the user or OS withdraws the stream.
type Capture interface {
	Chunks() <-chan []byte
	Revoked() <-chan struct{}
	RequestStop()
	Release()
}

// Notifier delivers a terminal failure to the server. Calls are best-effort.
type Notifier interface {
	ReportFailure(ctx context.Context, reason string) error
}

// Recording is the flushed result of a stopped capture.
type Recording struct {
	Data      []byte
	Chunks    int
	MimeType  string
	StartedAt time.Time
	StoppedAt time.Time
}

func (r *Recording) Empty() bool { return r == nil || len(r.Data) == 0 }

type Config struct {
	ChunkInterval time.Duration
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

type Recorder struct {
	source   Source
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	capture    Capture
	buf        bytes.Buffer
	chunks     int
	startedAt  time.Time
	collected  chan struct{}
	terminated chan struct{}
	notified   bool
}

// NewRecorder returns an idle recorder. A nil source means the platform has
// no capture capability and Start fails with ErrUnsupported.
func NewRecorder(source Source, notifier Notifier, cfg Config) *Recorder {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		source:     source,
		notifier:   notifier,
		cfg:        cfg,
		logger:     cfg.Logger,
		state:      StateIdle,
		terminated: make(chan struct{}),
	}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Terminated is closed when the current capture is revoked.
func (r *Recorder) Terminated() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Start acquires the capture. It fails fast with ErrAlreadyActive unless the
// recorder is idle, terminated or failed.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateTerminated, StateFailed:
	default:
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	if r.source == nil {
		r.mu.Unlock()
		return ErrUnsupported
	}
	r.state = StateRequestingPermission
	r.mu.Unlock()

	capture, err := r.source.Acquire(ctx, r.cfg.ChunkInterval)
	if err != nil {
		r.setState(StateFailed)
		r.logger.Warn("Failed to acquire screen capture", "error", err)
		return err
	}

	r.mu.Lock()
	r.capture = capture
	r.buf.Reset()
	r.chunks = 0
	r.startedAt = time.Now()
	r.collected = make(chan struct{})
	r.terminated = make(chan struct{})
	r.notified = false
	r.state = StateRecording
	collected, terminated := r.collected, r.terminated
	r.mu.Unlock()

	go r.watch(capture, collected, terminated)
	r.logger.Info("Recording started", "chunk_interval", r.cfg.ChunkInterval)
	return nil
}

func (r *Recorder) watch(capture Capture, collected, terminated chan struct{}) {
	chunks := capture.Chunks()
	revoked := capture.Revoked()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				close(collected)
				return
			}
			if len(chunk) == 0 {
				continue
			}
			r.mu.Lock()
			// a discarded capture may still drain after the next Start
			if r.capture == capture {
				r.buf.Write(chunk)
				r.chunks++
			}
			r.mu.Unlock()
		case <-revoked:
			revoked = nil
			r.onRevoked(capture, terminated)
		}
	}
}

func (r *Recorder) onRevoked(capture Capture, terminated chan struct{}) {
	r.mu.Lock()
	if r.capture != capture || (r.state != StateRecording && r.state != StateStopping) {
		r.mu.Unlock()
		return
	}
	r.state = StateTerminated
	close(terminated)
	r.mu.Unlock()

	r.logger.Warn("Screen capture revoked, interview forfeited")
	capture.Release()
	r.reportFailure(ReasonRevoked)
}

// Stop asks the capture to stop and waits until the final chunk is flushed.
func (r *Recorder) Stop(ctx context.Context) (*Recording, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.state = StateStopping
	capture, collected := r.capture, r.collected
	r.mu.Unlock()

	capture.RequestStop()
	select {
	case <-collected:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	capture.Release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateTerminated {
		return nil, ErrTerminated
	}
	if r.buf.Len() == 0 {
		r.state = StateFailed
		r.logger.Warn("Recording stopped with no data")
		return nil, ErrNoData
	}
	rec := &Recording{
		Data:      append([]byte(nil), r.buf.Bytes()...),
		Chunks:    r.chunks,
		MimeType:  DefaultMimeType,
		StartedAt: r.startedAt,
		StoppedAt: time.Now(),
	}
	r.logger.Info("Recording stopped", "chunks", rec.Chunks, "bytes", len(rec.Data))
	return rec, nil
}

// BeginUpload moves a stopped recording to uploading.
func (r *Recorder) BeginUpload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopping || r.buf.Len() == 0 {
		return ErrNotStopped
	}
	r.state = StateUploading
	return nil
}

// FinishUpload records the upload outcome.
func (r *Recorder) FinishUpload(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUploading {
		return
	}
	if err != nil {
		r.state = StateFailed
		return
	}
	r.state = StateCompleted
}

// HandleUnload is wired to page/process teardown. It reports a best-effort
// failure for an unfinished capture and releases every track.
func (r *Recorder) HandleUnload() {
	r.mu.Lock()
	capture := r.capture
	active := false
	switch r.state {
	case StateRequestingPermission, StateRecording, StateStopping, StateUploading:
		active = true
		r.state = StateTerminated
	}
	r.mu.Unlock()

	if capture != nil {
		capture.Release()
	}
	if active {
		r.reportFailure(ReasonTabClosed)
	}
}

// Discard abandons an attempt that never reached the interview, without
// reporting a failure. The handle ends in StateFailed so it can Start again.
func (r *Recorder) Discard() {
	r.mu.Lock()
	capture := r.capture
	r.capture = nil
	switch r.state {
	case StateRecording, StateStopping, StateUploading:
		r.state = StateFailed
	}
	r.mu.Unlock()

	if capture != nil {
		capture.Release()
	}
}

func (r *Recorder) reportFailure(reason string) {
	r.mu.Lock()
	if r.notified || r.notifier == nil {
		r.mu.Unlock()
		return
	}
	r.notified = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.notifier.ReportFailure(ctx, reason); err != nil {
		r.logger.Warn("Failed to report recording failure", "reason", reason, "error", err)
	}
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}
