// Package websocket relays control, chat, transcript and audio frames between
// the candidate and the voice agent joined to the same interview room.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/krshsl/praxis/proctor/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20

	channelPrefix = "proctor:room:"
)

type Role string

const (
	RoleCandidate Role = "candidate"
	RoleAgent     Role = "agent"
)

type Message struct {
	Type int
	Data []byte
}

// envelope is what travels between hub instances over redis.
type envelope struct {
	Origin string `json:"origin"`
	Sender string `json:"sender"`
	Room   string `json:"room"`
	Type   int    `json:"type"`
	Data   []byte `json:"data"`
}

type inbound struct {
	from *Client
	msg  Message
}

type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	remote     chan envelope
	done       chan struct{}
	mu         sync.RWMutex

	rdb        *redis.Client
	instanceID string
	// OnJoin and OnLeave observe membership changes, e.g. for metrics.
	OnJoin  func(*Client)
	OnLeave func(*Client)
}

type Client struct {
	ID       string
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan Message
	Room     string
	Identity string
	Role     Role

	audioOpen atomic.Bool
}

// NewHub creates a hub. rdb may be nil for a single instance deployment.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		remote:     make(chan envelope, 256),
		done:       make(chan struct{}),
		rdb:        rdb,
		instanceID: uuid.NewString(),
	}
}

// Start subscribes to the fan-out channel (when redis is configured) and runs
// the hub loop until ctx is done. The subscription is confirmed before Start
// returns.
func (h *Hub) Start(ctx context.Context) error {
	if h.rdb != nil {
		sub := h.rdb.PSubscribe(ctx, channelPrefix+"*")
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			return fmt.Errorf("failed to subscribe to relay channel: %w", err)
		}
		slog.Info("Relay hub subscribed", "instance_id", h.instanceID)
		go h.consume(ctx, sub)
	}
	go h.run(ctx)
	return nil
}

func (h *Hub) consume(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("Failed to parse relay envelope", "error", err)
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			select {
			case h.remote <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.Room] == nil {
				h.rooms[client.Room] = make(map[*Client]bool)
			}
			h.rooms[client.Room][client] = true
			h.mu.Unlock()
			if h.OnJoin != nil {
				h.OnJoin(client)
			}
			slog.Info("Client joined room", "room", client.Room, "identity", client.Identity, "role", client.Role)

		case client := <-h.unregister:
			h.remove(client)

		case in := <-h.inbound:
			h.deliver(in.from.Room, in.from.ID, in.msg)
			h.publish(ctx, in.from, in.msg)

		case env := <-h.remote:
			h.deliver(env.Room, env.Sender, Message{Type: env.Type, Data: env.Data})
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	members := h.rooms[client.Room]
	_, ok := members[client]
	if ok {
		delete(members, client)
		close(client.Send)
		if len(members) == 0 {
			delete(h.rooms, client.Room)
		}
	}
	h.mu.Unlock()
	if ok {
		if h.OnLeave != nil {
			h.OnLeave(client)
		}
		slog.Info("Client left room", "room", client.Room, "identity", client.Identity, "role", client.Role)
	}
}

// deliver sends msg to every local member of room except the sender. Slow
// receivers are dropped.
func (h *Hub) deliver(room, senderID string, msg Message) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.rooms[room] {
		if client.ID == senderID {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range slow {
		slog.Warn("Dropping slow relay client", "room", room, "identity", client.Identity)
		h.remove(client)
	}
}

func (h *Hub) publish(ctx context.Context, from *Client, msg Message) {
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(envelope{
		Origin: h.instanceID,
		Sender: from.ID,
		Room:   from.Room,
		Type:   msg.Type,
		Data:   msg.Data,
	})
	if err != nil {
		return
	}
	if err := h.rdb.Publish(ctx, channelPrefix+from.Room, payload).Err(); err != nil {
		slog.Error("Failed to publish relay message", "error", err, "room", from.Room)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		for client := range members {
			close(client.Send)
		}
		delete(h.rooms, room)
	}
}

// RoomSize returns the number of local members in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Join registers conn in room and starts its pumps. It returns nil and closes
// conn when the hub has stopped.
func (h *Hub) Join(conn *websocket.Conn, room, identity string, role Role) *Client {
	client := &Client{
		ID:       uuid.NewString(),
		Hub:      h,
		Conn:     conn,
		Send:     make(chan Message, 256),
		Room:     room,
		Identity: identity,
		Role:     role,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil
	}
	go client.WritePump()
	go client.ReadPump()
	return client
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Relay read error", "error", err, "room", c.Room, "role", c.Role)
			}
			return
		}
		if !c.accept(messageType, data) {
			continue
		}
		select {
		case c.Hub.inbound <- inbound{from: c, msg: Message{Type: messageType, Data: data}}:
		case <-c.Hub.done:
			return
		}
	}
}

// accept applies the audio gate: candidate audio only flows between a
// published and an unpublished track notice.
func (c *Client) accept(messageType int, data []byte) bool {
	if messageType == websocket.BinaryMessage {
		return c.Role != RoleCandidate || c.audioOpen.Load()
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		slog.Debug("Dropping malformed relay frame", "room", c.Room, "error", err)
		return false
	}
	if frame.Topic == protocol.TopicTrack && c.Role == RoleCandidate {
		switch strings.TrimSpace(frame.Data) {
		case protocol.TrackPublished:
			c.audioOpen.Store(true)
		case protocol.TrackUnpublished:
			c.audioOpen.Store(false)
		}
	}
	return true
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(msg.Type, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
