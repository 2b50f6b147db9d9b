// Package voice manages the candidate's single real-time connection to the
// voice agent room.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krshsl/praxis/proctor/protocol"
)

var (
	ErrAlreadyConnected = errors.New("voice session already connected")
	ErrNotConnected     = errors.New("voice session not connected")
)

// ConnectionError is returned when the room cannot be joined. Fatal is set
// when the attempt never joined at all.
type ConnectionError struct {
	Fatal bool
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("voice connection failed before join: %v", e.Err)
	}
	return fmt.Sprintf("voice connection lost: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Credentials grant access to one room.
type Credentials struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	Voice     string    `json:"voice"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TokenSource interface {
	VoiceToken(ctx context.Context, interviewToken string) (*Credentials, error)
}

type EventKind int

const (
	EventControl EventKind = iota + 1
	EventTranscript
	EventDisconnected
)

// ConnEvent is delivered on Conn.Events. The channel is closed after the
// connection ends.
type ConnEvent struct {
	Kind       EventKind
	Control    protocol.ControlEvent
	Transcript string
	Err        error
}

type Conn interface {
	PublishAudio() error
	UnpublishAudio() error
	SendChat(msg string) error
	Events() <-chan ConnEvent
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// Listener receives everything the room produces. Calls are made from the
// manager's pump goroutine, one at a time.
type Listener interface {
	OnControl(ev protocol.ControlEvent)
	OnTranscript(text string)
	OnLanguageViolation(text string)
	OnDisconnected(err error)
}

type Config struct {
	Filter TranscriptFilter
	Logger *slog.Logger
}

type Manager struct {
	transport Transport
	tokens    TokenSource
	listener  Listener
	filter    TranscriptFilter
	logger    *slog.Logger

	mu             sync.Mutex
	interviewToken string
	creds          *Credentials
	conn           Conn
	gen            int
	joined         bool
	ready          bool
	published      bool
	closed         bool
	pending        *string
	inFlight       string
}

func NewManager(transport Transport, tokens TokenSource, listener Listener, cfg Config) *Manager {
	if cfg.Filter.MinClassifiableRunes == 0 && len(cfg.Filter.Allowed) == 0 {
		cfg.Filter = DefaultTranscriptFilter()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		tokens:    tokens,
		listener:  listener,
		filter:    cfg.Filter,
		logger:    cfg.Logger,
	}
}

// Connect mints room credentials and joins. Only one connection may exist per
// attempt; use Reconnect to replace it.
func (m *Manager) Connect(ctx context.Context, interviewToken string) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.interviewToken = interviewToken
	m.closed = false
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	token := m.interviewToken
	joined := m.joined
	m.mu.Unlock()

	creds, err := m.tokens.VoiceToken(ctx, token)
	if err != nil {
		return &ConnectionError{Fatal: !joined, Err: fmt.Errorf("failed to get voice token: %w", err)}
	}
	conn, err := m.transport.Dial(ctx, creds.URL, creds.Token)
	if err != nil {
		return &ConnectionError{Fatal: !joined, Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.creds = creds
	m.joined = true
	m.ready = false
	m.published = false
	m.inFlight = ""
	m.mu.Unlock()

	m.logger.Info("Voice room joined", "room", creds.Room, "voice", creds.Voice)
	go m.pump(gen, conn)
	return nil
}

func (m *Manager) pump(gen int, conn Conn) {
	for ev := range conn.Events() {
		if !m.current(gen) {
			continue
		}
		switch ev.Kind {
		case EventControl:
			if ev.Control.Type == protocol.AgentReady {
				m.markReady()
			}
			m.listener.OnControl(ev.Control)
		case EventTranscript:
			if m.filter.Accept(ev.Transcript) {
				m.listener.OnTranscript(ev.Transcript)
			} else {
				m.logger.Warn("Transcript rejected by language filter", "length", len(ev.Transcript))
				m.listener.OnLanguageViolation(ev.Transcript)
			}
		case EventDisconnected:
			m.logger.Warn("Voice connection dropped", "error", ev.Err)
			m.listener.OnDisconnected(&ConnectionError{Err: ev.Err})
		}
	}
}

func (m *Manager) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && !m.closed
}

func (m *Manager) markReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	if m.pending == nil {
		return
	}
	text := *m.pending
	m.pending = nil
	if err := m.sendQuestionLocked(text); err != nil {
		m.logger.Error("Failed to flush buffered question", "error", err)
	}
}

// SpeakQuestion asks the agent to read text. Before the agent is ready the
// text is buffered; the same in-flight text is never sent twice.
func (m *Manager) SpeakQuestion(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if m.conn == nil || !m.ready {
		m.pending = &text
		return nil
	}
	if text == m.inFlight {
		return nil
	}
	return m.sendQuestionLocked(text)
}

func (m *Manager) sendQuestionLocked(text string) error {
	if err := m.conn.SendChat(protocol.ReadQuestionMessage(text)); err != nil {
		return fmt.Errorf("failed to send question: %w", err)
	}
	m.inFlight = text
	return nil
}

// SubmitAnswer tells the agent the candidate is done with the current
// question.
func (m *Manager) SubmitAnswer(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.closed {
		return ErrNotConnected
	}
	if err := m.conn.SendChat(protocol.SubmitAnswerMessage(text)); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	m.inFlight = ""
	return nil
}

// OpenMicrophone publishes the local audio track.
func (m *Manager) OpenMicrophone() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.closed {
		return ErrNotConnected
	}
	if m.published {
		return nil
	}
	if err := m.conn.PublishAudio(); err != nil {
		return fmt.Errorf("failed to publish microphone: %w", err)
	}
	m.published = true
	return nil
}

// EndAudioStream unpublishes the microphone and keeps the connection.
func (m *Manager) EndAudioStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || !m.published {
		return nil
	}
	m.published = false
	if err := m.conn.UnpublishAudio(); err != nil {
		return fmt.Errorf("failed to unpublish microphone: %w", err)
	}
	return nil
}

// Disconnect tears everything down. Repeated calls are no-ops.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	err := m.teardownLocked()
	m.mu.Unlock()
	m.logger.Info("Voice session disconnected")
	return err
}

// Reconnect fully tears down the current connection and joins again with
// fresh credentials. A buffered question survives; an in-flight one is
// forgotten so it can be asked again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.interviewToken == "" {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.closed = false
	if err := m.teardownLocked(); err != nil {
		m.logger.Warn("Failed to close previous voice connection", "error", err)
	}
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) teardownLocked() error {
	m.gen++
	conn := m.conn
	m.conn = nil
	m.ready = false
	m.inFlight = ""
	if conn == nil {
		return nil
	}
	if m.published {
		m.published = false
		if err := conn.UnpublishAudio(); err != nil {
			m.logger.Warn("Failed to unpublish microphone during teardown", "error", err)
		}
	}
	return conn.Close()
}

// Joined reports whether the room has been joined at least once.
func (m *Manager) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Manager) AgentReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Voice is the synthetic voice assigned to the current room.
func (m *Manager) Voice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return ""
	}
	return m.creds.Voice
}
