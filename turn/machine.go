// Package turn implements the candidate-side turn-taking state machine. It
// decides when the microphone may be open, when an answer is handed off for
// saving and when the UI has to block.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/krshsl/praxis/proctor/answer"
	"github.com/krshsl/praxis/proctor/protocol"
)

const DefaultAnswerBudget = 120 * time.Second

type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateAgentSpeaking State = "agentSpeaking"
	StateUserAnswering State = "userAnswering"
	StateSavingTurn    State = "savingTurn"
	StateCompleted     State = "completed"
	StateError         State = "error"
)

// ErrForfeited marks an attempt that ended through a candidate-caused
// failure. A forfeited machine ignores Retry.
var ErrForfeited = errors.New("interview forfeited")

// Question is one item the agent reads aloud.
type Question struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Skill    string `json:"skill,omitempty"`
	Index    int    `json:"index"`
	FollowUp bool   `json:"is_follow_up,omitempty"`

	// Budget overrides Config.AnswerBudget for this question when positive.
	Budget time.Duration `json:"-"`
}

// Result is handed to Hooks.SaveTurn when an answering episode ends.
type Result struct {
	Question   Question
	Answer     string
	Unanswered bool
	TimedOut   bool
	StartedAt  time.Time
	EndedAt    time.Time
}

// Hooks are the side effects the machine drives. They are invoked from the
// dispatch loop and must not block on the machine itself.
type Hooks interface {
	SendQuestion(q Question) error
	PublishMicrophone() error
	EndAudioStream() error
	SaveTurn(r Result)
	Reconnect()
	StateChanged(from, to State)
}

// Timer is the part of *time.Timer the machine needs.
type Timer interface {
	Stop() bool
}

type Config struct {
	AnswerBudget time.Duration
	QueueSize    int
	AfterFunc    func(d time.Duration, f func()) Timer
	Now          func() time.Time
	Logger       *slog.Logger
}

type Machine struct {
	hooks  Hooks
	cfg    Config
	logger *slog.Logger

	events  chan Event
	stopped chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	state State
	err   error

	// Owned by the dispatch loop.
	agentReady bool
	micOpen    bool
	forfeited  bool
	current    *Question
	pending    *Question
	answer     string
	startedAt  time.Time
	episode    int
	timer      Timer
}

func NewMachine(hooks Hooks, cfg Config) *Machine {
	if cfg.AnswerBudget <= 0 {
		cfg.AnswerBudget = DefaultAnswerBudget
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		hooks:   hooks,
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.QueueSize),
		stopped: make(chan struct{}),
		state:   StateIdle,
	}
}

// State returns the current state. Safe from any goroutine.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that moved the machine into StateError, if any.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Send queues an event for the dispatch loop. Events sent after Run returns
// are dropped.
func (m *Machine) Send(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stopped:
	}
}

// Run is the single owner of the machine's state. Every transition happens
// here, one event at a time, in arrival order.
func (m *Machine) Run(ctx context.Context) error {
	defer m.once.Do(func() { close(m.stopped) })
	for {
		select {
		case <-ctx.Done():
			m.stopTimer()
			return ctx.Err()
		case ev := <-m.events:
			m.Step(ev)
		}
	}
}

// Step applies a single event. Only the dispatch loop (or a test standing in
// for it) may call Step.
func (m *Machine) Step(ev Event) {
	switch e := ev.(type) {
	case Enter:
		if m.State() == StateIdle {
			m.setState(StateConnecting, nil)
		}
	case AskQuestion:
		m.ask(e.Question)
	case Control:
		m.control(e.Event)
	case Transcript:
		if m.State() == StateUserAnswering {
			m.answer = answer.Append(m.answer, e.Text)
		}
	case Submit:
		if m.State() == StateUserAnswering {
			m.finishAnswer(false)
		}
	case budgetExpired:
		if m.State() == StateUserAnswering && e.episode == m.episode {
			m.logger.Info("Answer budget expired", "question_id", m.current.ID, "budget", m.budget())
			m.finishAnswer(true)
		}
	case Saved:
		if m.State() != StateSavingTurn {
			return
		}
		if e.Next == nil {
			m.current = nil
			m.setState(StateCompleted, nil)
			return
		}
		m.current = nil
		m.ask(*e.Next)
	case SaveFailed:
		if m.State() == StateSavingTurn {
			m.fail(e.Err)
		}
	case TransportFailed:
		switch m.State() {
		case StateCompleted, StateError:
		default:
			m.fail(e.Err)
		}
	case Retry:
		if m.State() != StateError || m.forfeited {
			return
		}
		m.agentReady = false
		// The current question is asked again. If its turn was stored before
		// the failure, the server keeps that first answer.
		if m.current != nil {
			q := *m.current
			m.pending = &q
			m.current = nil
		}
		m.setState(StateConnecting, nil)
		m.hooks.Reconnect()
	case Forfeit:
		if m.State() == StateCompleted {
			return
		}
		m.forfeited = true
		m.logger.Warn("Interview forfeited", "reason", e.Reason)
		m.fail(ErrForfeited)
	default:
		m.logger.Warn("Unknown turn event ignored", "event", ev)
	}
}

func (m *Machine) ask(q Question) {
	switch m.State() {
	case StateConnecting, StateSavingTurn:
	case StateAgentSpeaking:
		// The agent may greet before any question is sent.
		if m.current != nil {
			return
		}
	default:
		m.logger.Debug("Question ignored in current state", "question_id", q.ID, "state", m.State())
		return
	}
	if !m.agentReady {
		m.pending = &q
		return
	}
	m.deliver(q)
}

func (m *Machine) deliver(q Question) {
	m.pending = nil
	if err := m.hooks.SendQuestion(q); err != nil {
		m.fail(err)
		return
	}
	m.current = &q
	m.answer = ""
	if m.State() != StateAgentSpeaking {
		m.setState(StateAgentSpeaking, nil)
	}
}

func (m *Machine) control(ev protocol.ControlEvent) {
	switch ev.Type {
	case protocol.AgentReady:
		m.agentReady = true
		if m.pending == nil {
			return
		}
		switch m.State() {
		case StateConnecting, StateSavingTurn, StateAgentSpeaking:
			m.deliver(*m.pending)
		}
	case protocol.AgentSpeakingStarted:
		if m.State() == StateConnecting {
			m.setState(StateAgentSpeaking, nil)
		}
	case protocol.AgentSpeakingFinished, protocol.UserTurnOpen:
		if m.State() == StateAgentSpeaking && m.current != nil {
			m.openAnswer()
		}
	}
}

func (m *Machine) openAnswer() {
	m.setState(StateUserAnswering, nil)
	m.episode++
	m.startedAt = m.cfg.Now()
	if err := m.hooks.PublishMicrophone(); err != nil {
		m.fail(err)
		return
	}
	m.micOpen = true
	episode := m.episode
	m.timer = m.cfg.AfterFunc(m.budget(), func() {
		m.Send(budgetExpired{episode: episode})
	})
}

func (m *Machine) budget() time.Duration {
	if m.current != nil && m.current.Budget > 0 {
		return m.current.Budget
	}
	return m.cfg.AnswerBudget
}

func (m *Machine) finishAnswer(timedOut bool) {
	m.stopTimer()
	m.closeMicrophone()
	res := Result{
		Question:   *m.current,
		Answer:     m.answer,
		Unanswered: answer.IsUnanswered(m.answer),
		TimedOut:   timedOut,
		StartedAt:  m.startedAt,
		EndedAt:    m.cfg.Now(),
	}
	m.setState(StateSavingTurn, nil)
	m.hooks.SaveTurn(res)
}

func (m *Machine) fail(err error) {
	m.stopTimer()
	m.closeMicrophone()
	m.setState(StateError, err)
}

func (m *Machine) closeMicrophone() {
	if !m.micOpen {
		return
	}
	m.micOpen = false
	if err := m.hooks.EndAudioStream(); err != nil {
		m.logger.Warn("Failed to end audio stream", "error", err)
	}
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) setState(to State, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.err = err
	m.mu.Unlock()
	if from != to {
		m.logger.Debug("Turn state changed", "from", from, "to", to)
		m.hooks.StateChanged(from, to)
	}
}
