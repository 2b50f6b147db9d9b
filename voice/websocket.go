package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krshsl/praxis/proctor/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// AudioSource yields encoded microphone frames. Frames are forwarded only
// while the track is published and dropped otherwise.
type AudioSource interface {
	Frames() <-chan []byte
}

// WebsocketTransport joins a relay room over gorilla/websocket.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
	Audio  AudioSource
	Header http.Header
	Logger *slog.Logger
}

func (t *WebsocketTransport) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid room url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial room: %w", err)
	}

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &wsConn{
		ws:     ws,
		send:   make(chan outbound, 256),
		events: make(chan ConnEvent, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	go c.readPump()
	if t.Audio != nil {
		go c.audioPump(t.Audio)
	}
	return c, nil
}

type outbound struct {
	messageType int
	data        []byte
}

type wsConn struct {
	ws        *websocket.Conn
	send      chan outbound
	events    chan ConnEvent
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	published atomic.Bool
	logger    *slog.Logger
}

func (c *wsConn) Events() <-chan ConnEvent { return c.events }

func (c *wsConn) PublishAudio() error {
	if err := c.sendFrame(protocol.TopicTrack, protocol.TrackPublished); err != nil {
		return err
	}
	c.published.Store(true)
	return nil
}

func (c *wsConn) UnpublishAudio() error {
	c.published.Store(false)
	return c.sendFrame(protocol.TopicTrack, protocol.TrackUnpublished)
}

func (c *wsConn) SendChat(msg string) error {
	return c.sendFrame(protocol.TopicChat, msg)
}

func (c *wsConn) sendFrame(topic, data string) error {
	raw, err := protocol.EncodeFrame(topic, data)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{messageType: websocket.TextMessage, data: raw})
}

func (c *wsConn) enqueue(msg outbound) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *wsConn) readPump() {
	defer close(c.events)
	defer c.ws.Close()

	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.emit(ConnEvent{Kind: EventDisconnected, Err: err})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.logger.Debug("Ignoring malformed relay frame", "error", err)
			continue
		}
		switch frame.Topic {
		case protocol.TopicControl:
			ev, ok := protocol.DecodeControlEvent([]byte(frame.Data))
			if !ok {
				continue
			}
			c.emit(ConnEvent{Kind: EventControl, Control: ev})
		case protocol.TopicTranscript:
			c.emit(ConnEvent{Kind: EventTranscript, Transcript: frame.Data})
		}
	}
}

func (c *wsConn) emit(ev ConnEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Warn("Failed to write relay message", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) audioPump(src AudioSource) {
	frames := src.Frames()
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !c.published.Load() {
				continue
			}
			if err := c.enqueue(outbound{messageType: websocket.BinaryMessage, data: frame}); err != nil {
				c.logger.Debug("Dropped audio frame", "error", err)
			}
		}
	}
}
