// Package interview runs one candidate attempt end to end: recording,
// session, voice room, turn machine and final upload.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krshsl/praxis/proctor/client"
	"github.com/krshsl/praxis/proctor/protocol"
	"github.com/krshsl/praxis/proctor/recording"
	"github.com/krshsl/praxis/proctor/turn"
	"github.com/krshsl/praxis/proctor/upload"
	"github.com/krshsl/praxis/proctor/voice"
)

// API is the session half of *client.Client.
type API interface {
	StartSession(ctx context.Context, token string) (*client.SessionView, error)
	RecordTurn(ctx context.Context, token string, in client.TurnInput) (*client.TurnResult, error)
	Advance(ctx context.Context, token string, fromIndex int) (*client.SessionView, error)
}

// Voice is implemented by *voice.Manager.
type Voice interface {
	Connect(ctx context.Context, token string) error
	SpeakQuestion(text string) error
	SubmitAnswer(text string) error
	OpenMicrophone() error
	EndAudioStream() error
	Disconnect() error
	Reconnect(ctx context.Context) error
}

// Recorder is implemented by *recording.Recorder.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*recording.Recording, error)
	Terminated() <-chan struct{}
	BeginUpload() error
	FinishUpload(err error)
	HandleUnload()
	Discard()
}

type Uploader interface {
	Upload(ctx context.Context, token string, rec *recording.Recording) (*upload.Result, error)
}

type Dependencies struct {
	API      API
	Recorder Recorder
	Uploader Uploader
	// NewVoice builds the voice session with the runner as its listener.
	NewVoice func(l voice.Listener) Voice
}

type Config struct {
	// AnswerBudget applies when the server view carries no budget.
	AnswerBudget time.Duration
	// OnState is called from the dispatch loop on every turn transition.
	OnState func(from, to turn.State)
	// OnLanguageViolation is called for rejected transcript fragments.
	OnLanguageViolation func(text string)
	Logger              *slog.Logger
}

// Outcome describes a submitted attempt.
type Outcome struct {
	SessionID    string
	RecordingURL string
	Turns        int
}

type Runner struct {
	token    string
	api      API
	recorder Recorder
	uploader Uploader
	voice    Voice
	machine  *turn.Machine
	cfg      Config
	logger   *slog.Logger

	completed     chan struct{}
	completedOnce sync.Once

	mu     sync.Mutex
	runCtx context.Context
	view   *client.SessionView
	turns  int

	// recorded holds question ids the server has stored but not yet
	// advanced past.
	recorded map[string]bool
}

// NewClientRunner wires an attempt against the interview server: the
// recorder reports failures through api and the voice session dials over
// transport.
func NewClientRunner(api *client.Client, token string, source recording.Source, transport voice.Transport, uploadCfg upload.Config, cfg Config) (*Runner, *recording.Recorder) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if uploadCfg.Logger == nil {
		uploadCfg.Logger = cfg.Logger
	}
	recorder := recording.NewRecorder(source, client.FailureNotifier{Client: api, Token: token}, recording.Config{Logger: cfg.Logger})
	r := NewRunner(token, Dependencies{
		API:      api,
		Recorder: recorder,
		Uploader: upload.NewUploader(api, uploadCfg),
		NewVoice: func(l voice.Listener) Voice {
			return voice.NewManager(transport, api, l, voice.Config{Logger: cfg.Logger})
		},
	}, cfg)
	return r, recorder
}

func NewRunner(token string, deps Dependencies, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		token:     token,
		api:       deps.API,
		recorder:  deps.Recorder,
		uploader:  deps.Uploader,
		cfg:       cfg,
		logger:    cfg.Logger.With("token", token),
		completed: make(chan struct{}),
		recorded:  make(map[string]bool),
	}
	r.voice = deps.NewVoice(r)
	r.machine = turn.NewMachine(r, turn.Config{AnswerBudget: cfg.AnswerBudget, Logger: cfg.Logger})
	return r
}

// Submit is the candidate's "next" action for the current answer.
func (r *Runner) Submit() { r.machine.Send(turn.Submit{}) }

// Retry recovers from the error state by reconnecting.
func (r *Runner) Retry() { r.machine.Send(turn.Retry{}) }

func (r *Runner) State() turn.State { return r.machine.State() }

// Run drives the attempt until it is submitted, forfeited or ctx ends.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	if err := r.recorder.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	terminated := r.recorder.Terminated()

	view, err := r.api.StartSession(ctx, r.token)
	if err != nil {
		r.abandon(ctx)
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	r.setView(view)
	r.logger.Info("Interview session started", "session_id", view.Session.ID, "index", view.Session.CurrentQuestionIndex, "total", view.TotalQuestions)

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.runCtx = mctx
	r.mu.Unlock()
	go r.machine.Run(mctx)

	if !view.Complete {
		r.machine.Send(turn.Enter{})
		if err := r.voice.Connect(ctx, r.token); err != nil {
			r.machine.Send(turn.TransportFailed{Err: err})
			var connErr *voice.ConnectionError
			if errors.As(err, &connErr) && connErr.Fatal {
				r.abandon(ctx)
				return nil, err
			}
		}
		q, ok := questionAt(view, view.Session.CurrentQuestionIndex)
		if !ok {
			r.voice.Disconnect()
			r.abandon(ctx)
			return nil, fmt.Errorf("no question at index %d", view.Session.CurrentQuestionIndex)
		}
		r.machine.Send(turn.AskQuestion{Question: q})

		select {
		case <-r.completed:
		case <-terminated:
			r.machine.Send(turn.Forfeit{Reason: recording.ReasonRevoked})
			r.voice.Disconnect()
			r.recorder.HandleUnload()
			return nil, turn.ErrForfeited
		case <-ctx.Done():
			r.voice.Disconnect()
			r.recorder.HandleUnload()
			return nil, ctx.Err()
		}
		r.voice.Disconnect()
	}

	return r.finish(ctx)
}

func (r *Runner) finish(ctx context.Context) (*Outcome, error) {
	rec, err := r.recorder.Stop(ctx)
	if errors.Is(err, recording.ErrNoData) {
		_, upErr := r.uploader.Upload(ctx, r.token, nil)
		return nil, upErr
	}
	if err != nil {
		r.abandon(ctx)
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	if err := r.recorder.BeginUpload(); err != nil {
		r.abandon(ctx)
		return nil, err
	}
	res, err := r.uploader.Upload(ctx, r.token, rec)
	r.recorder.FinishUpload(err)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Outcome{SessionID: r.view.Session.ID, RecordingURL: res.RecordingURL, Turns: r.turns}, nil
}

// abandon releases the capture on an early exit. A cancelled ctx is
// teardown and reports tab_closed; any other exit leaves the server session
// open for another attempt.
func (r *Runner) abandon(ctx context.Context) {
	if ctx.Err() != nil {
		r.recorder.HandleUnload()
		return
	}
	r.recorder.Discard()
}

func (r *Runner) setView(v *client.SessionView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view = v
}

func (r *Runner) save(res turn.Result) {
	r.mu.Lock()
	ctx := r.runCtx
	r.mu.Unlock()

	if err := r.voice.SubmitAnswer(res.Answer); err != nil {
		r.logger.Warn("Failed to notify agent of answer", "question_id", res.Question.ID, "error", err)
	}

	in := client.TurnInput{
		QuestionID:      res.Question.ID,
		QuestionText:    res.Question.Text,
		IsFollowUp:      res.Question.FollowUp,
		CandidateAnswer: res.Answer,
		StartedAt:       res.StartedAt,
		EndedAt:         res.EndedAt,
	}
	r.mu.Lock()
	recorded := r.recorded[res.Question.ID]
	r.mu.Unlock()
	// The server keeps the first answer per question, so a turn re-asked after
	// a failed advance only needs the advance repeated.
	if recorded {
		r.logger.Warn("Turn already recorded, keeping first answer", "question_id", res.Question.ID)
	} else {
		if _, err := r.api.RecordTurn(ctx, r.token, in); err != nil {
			r.logger.Error("Failed to record turn", "question_id", res.Question.ID, "error", err)
			r.machine.Send(turn.SaveFailed{Err: err})
			return
		}
		r.mu.Lock()
		r.recorded[res.Question.ID] = true
		r.mu.Unlock()
	}
	view, err := r.api.Advance(ctx, r.token, res.Question.Index)
	if err != nil {
		r.logger.Error("Failed to advance session", "question_id", res.Question.ID, "error", err)
		r.machine.Send(turn.SaveFailed{Err: err})
		return
	}

	r.mu.Lock()
	r.view = view
	r.turns++
	delete(r.recorded, res.Question.ID)
	r.mu.Unlock()

	if view.Complete {
		r.machine.Send(turn.Saved{})
		return
	}
	next, ok := questionAt(view, view.Session.CurrentQuestionIndex)
	if !ok {
		r.machine.Send(turn.SaveFailed{Err: fmt.Errorf("no question at index %d", view.Session.CurrentQuestionIndex)})
		return
	}
	r.machine.Send(turn.Saved{Next: &next})
}

func questionAt(view *client.SessionView, index int) (turn.Question, bool) {
	if view.CurrentQuestion != nil && view.Session.CurrentQuestionIndex == index {
		q := view.CurrentQuestion
		return turn.Question{ID: q.ID, Text: q.Text, Skill: q.Skill, Index: index, Budget: budgetOf(view)}, true
	}
	if index < 0 || index >= len(view.Questions) {
		return turn.Question{}, false
	}
	q := view.Questions[index]
	return turn.Question{ID: q.ID, Text: q.Text, Skill: q.Skill, Index: index, Budget: budgetOf(view)}, true
}

func budgetOf(view *client.SessionView) time.Duration {
	return time.Duration(view.AnswerBudgetSeconds) * time.Second
}

// turn.Hooks

func (r *Runner) SendQuestion(q turn.Question) error { return r.voice.SpeakQuestion(q.Text) }
func (r *Runner) PublishMicrophone() error           { return r.voice.OpenMicrophone() }
func (r *Runner) EndAudioStream() error              { return r.voice.EndAudioStream() }
func (r *Runner) SaveTurn(res turn.Result)           { go r.save(res) }

func (r *Runner) Reconnect() {
	r.mu.Lock()
	ctx := r.runCtx
	r.mu.Unlock()
	go func() {
		if err := r.voice.Reconnect(ctx); err != nil {
			r.logger.Warn("Failed to reconnect voice session", "error", err)
			r.machine.Send(turn.TransportFailed{Err: err})
		}
	}()
}

func (r *Runner) StateChanged(from, to turn.State) {
	if to == turn.StateCompleted {
		r.completedOnce.Do(func() { close(r.completed) })
	}
	if r.cfg.OnState != nil {
		r.cfg.OnState(from, to)
	}
}

// voice.Listener

func (r *Runner) OnControl(ev protocol.ControlEvent) { r.machine.Send(turn.Control{Event: ev}) }
func (r *Runner) OnTranscript(text string)           { r.machine.Send(turn.Transcript{Text: text}) }
func (r *Runner) OnDisconnected(err error)           { r.machine.Send(turn.TransportFailed{Err: err}) }

func (r *Runner) OnLanguageViolation(text string) {
	r.logger.Warn("Language violation in transcript")
	if r.cfg.OnLanguageViolation != nil {
		r.cfg.OnLanguageViolation(text)
	}
}
