package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krshsl/praxis/proctor/protocol"
)

type fakeConn struct {
	mu          sync.Mutex
	chats       []string
	publishes   int
	unpublishes int
	closes      int
	events      chan ConnEvent
	closeOnce   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{events: make(chan ConnEvent, 16)} }

func (c *fakeConn) PublishAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes++
	return nil
}

func (c *fakeConn) UnpublishAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpublishes++
	return nil
}

func (c *fakeConn) SendChat(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append(c.chats, msg)
	return nil
}

func (c *fakeConn) Events() <-chan ConnEvent { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) sentChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...)
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (t *fakeTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

type staticTokens struct{ err error }

func (s staticTokens) VoiceToken(ctx context.Context, token string) (*Credentials, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Credentials{URL: "ws://relay/rooms/ws", Token: "room-" + token, Room: token, Voice: "alloy"}, nil
}

type listener struct {
	mu         sync.Mutex
	controls   []protocol.ControlEvent
	transcript []string
	violations []string
	drops      []error
}

func (l *listener) OnControl(ev protocol.ControlEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controls = append(l.controls, ev)
}

func (l *listener) OnTranscript(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcript = append(l.transcript, text)
}

func (l *listener) OnLanguageViolation(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations = append(l.violations, text)
}

func (l *listener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops = append(l.drops, err)
}

func (l *listener) snapshot() (int, int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.controls), len(l.transcript), len(l.violations), len(l.drops)
}

func newTestManager(t *testing.T, tr *fakeTransport, tokens TokenSource) (*Manager, *listener) {
	t.Helper()
	l := &listener{}
	m := NewManager(tr, tokens, l, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return m, l
}

func TestSpeakQuestionBuffersUntilReady(t *testing.T) {
	tr := &fakeTransport{}
	m, l := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := tr.last()

	require.NoError(t, m.SpeakQuestion("What is a mutex?"))
	assert.Empty(t, conn.sentChats())

	conn.events <- ConnEvent{Kind: EventControl, Control: protocol.ControlEvent{Type: protocol.AgentReady}}
	require.Eventually(t, func() bool {
		n, _, _, _ := l.snapshot()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{protocol.ReadQuestionMessage("What is a mutex?")}, conn.sentChats())
	assert.True(t, m.AgentReady())

	// Same in-flight question is not re-sent.
	require.NoError(t, m.SpeakQuestion("What is a mutex?"))
	assert.Len(t, conn.sentChats(), 1)

	require.NoError(t, m.SubmitAnswer("A lock."))
	assert.Equal(t, protocol.SubmitAnswerMessage("A lock."), conn.sentChats()[1])
}

func TestConnectTwiceRejected(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	assert.ErrorIs(t, m.Connect(context.Background(), "tok-1"), ErrAlreadyConnected)
}

func TestConnectFailureBeforeJoinIsFatal(t *testing.T) {
	tr := &fakeTransport{err: errors.New("refused")}
	m, _ := newTestManager(t, tr, staticTokens{})

	err := m.Connect(context.Background(), "tok-1")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Fatal)
	assert.False(t, m.Joined())
}

func TestReconnectFailureAfterJoinIsNotFatal(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))

	tr.mu.Lock()
	tr.err = errors.New("refused")
	tr.mu.Unlock()

	err := m.Reconnect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Fatal)
}

func TestMicrophoneGate(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := tr.last()

	require.NoError(t, m.EndAudioStream())
	assert.Zero(t, conn.unpublishes, "nothing to unpublish yet")

	require.NoError(t, m.OpenMicrophone())
	require.NoError(t, m.OpenMicrophone())
	assert.Equal(t, 1, conn.publishes)

	require.NoError(t, m.EndAudioStream())
	require.NoError(t, m.EndAudioStream())
	assert.Equal(t, 1, conn.unpublishes)
	assert.Zero(t, conn.closes, "ending the audio stream keeps the connection")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := tr.last()
	require.NoError(t, m.OpenMicrophone())

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, 1, conn.unpublishes)
	assert.ErrorIs(t, m.OpenMicrophone(), ErrNotConnected)
}

func TestReconnectReplacesConnection(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	first := tr.last()

	require.NoError(t, m.Reconnect(context.Background()))
	second := tr.last()
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, first.closes)
	assert.False(t, m.AgentReady())
}

func TestTranscriptFilteringAndDrops(t *testing.T) {
	tr := &fakeTransport{}
	m, l := newTestManager(t, tr, staticTokens{})
	require.NoError(t, m.Connect(context.Background(), "tok-1"))
	conn := tr.last()

	conn.events <- ConnEvent{Kind: EventTranscript, Transcript: "I built a payments service"}
	conn.events <- ConnEvent{Kind: EventTranscript, Transcript: "Я работал над платежами"}
	conn.events <- ConnEvent{Kind: EventDisconnected, Err: errors.New("eof")}

	require.Eventually(t, func() bool {
		_, tx, v, d := l.snapshot()
		return tx == 1 && v == 1 && d == 1
	}, time.Second, 5*time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	var connErr *ConnectionError
	require.ErrorAs(t, l.drops[0], &connErr)
	assert.False(t, connErr.Fatal)
}

func TestTranscriptFilter(t *testing.T) {
	f := DefaultTranscriptFilter()
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"latin sentence", "I led the migration to Postgres", true},
		{"latin with accents", "Our café résumé pipeline was slow", true},
		{"short non-latin passes", "да", true},
		{"cyrillic sentence", "Я работал над платежами", false},
		{"mixed sentence", "I worked at 株式会社 for years", false},
		{"digits and punctuation", "1234567890 !!! ??? ...", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Accept(tt.text))
		})
	}
}
