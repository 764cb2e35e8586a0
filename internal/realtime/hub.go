// Package realtime is the websocket transport: authenticated sessions grouped
// into rooms, with room broadcasts mirrored across server processes through
// Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"artbeat/internal/kv"
)

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

// Conversations answers who may join a conversation room and records a new
// message for everyone in it except its sender.
type Conversations interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	IncrementForParticipants(ctx context.Context, conversationID, senderID string, recipients []string) error
}

type Options struct {
	// Scaled asks for the distributed adapter. The hub drops back to
	// single-process broadcast when the adapter cannot be installed.
	Scaled           bool
	HandshakeTimeout time.Duration
	EventsPerSecond  float64
	SendBuffer       int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// envelope is what the adapter publishes for each room broadcast.
type envelope struct {
	Node   string          `json:"node"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type Stats struct {
	Sessions int    `json:"sessions"`
	Rooms    int    `json:"rooms"`
	Scaled   bool   `json:"scaled"`
	Node     string `json:"node"`
}

// Hub is the per-process registry of live sessions and their rooms.
type Hub struct {
	rdb      redis.UniversalClient
	verifier TokenVerifier
	convs    Conversations
	opts     Options
	nodeID   string

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[*Session]struct{}

	scaled  atomic.Bool
	adapter *redis.PubSub
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub builds a hub. convs may be nil, in which case any session can join
// any conversation and no unread counts are kept.
func NewHub(rdb redis.UniversalClient, verifier TokenVerifier, convs Conversations, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rdb:      rdb,
		verifier: verifier,
		convs:    convs,
		opts:     opts.withDefaults(),
		nodeID:   uuid.New().String(),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start installs the distributed adapter when Scaled was requested. Failure
// to reach the store is logged and leaves the hub in single-process mode.
func (h *Hub) Start(ctx context.Context) {
	if !h.opts.Scaled {
		slog.Info("Realtime hub running in single-process mode", "node", h.nodeID)
		return
	}

	ps := h.rdb.Subscribe(h.ctx, kv.SocketAdapterChannel)
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		slog.Warn("Realtime adapter unavailable, falling back to single-process broadcast",
			"node", h.nodeID, "error", err)
		return
	}

	h.adapter = ps
	h.scaled.Store(true)
	h.wg.Add(1)
	go h.adapterLoop(ps)
	slog.Info("Realtime hub adapter installed", "node", h.nodeID)
}

func (h *Hub) Scaled() bool {
	return h.scaled.Load()
}

func (h *Hub) adapterLoop(ps *redis.PubSub) {
	defer h.wg.Done()
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("dropping malformed adapter message", "error", err)
			continue
		}
		if env.Node == h.nodeID {
			continue
		}
		h.deliverLocal(env.Room, env.Frame, env.Except)
	}
}

// Close disconnects every session and removes the adapter subscription.
func (h *Hub) Close() {
	h.cancel()
	if h.adapter != nil {
		_ = h.adapter.Close()
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.close()
	}

	h.wg.Wait()
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Sessions: len(h.sessions),
		Rooms:    len(h.rooms),
		Scaled:   h.Scaled(),
		Node:     h.nodeID,
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sessions, s.id)
	for room := range s.rooms {
		members := h.rooms[room]
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) inRoom(s *Session, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

func (h *Hub) join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

// Broadcast sends a frame to every session in room except the one with id
// except, on this process and, when scaled, on every other process.
func (h *Hub) Broadcast(ctx context.Context, room string, frame []byte, except string) {
	h.deliverLocal(room, frame, except)

	if !h.Scaled() {
		return
	}

	payload, err := json.Marshal(envelope{Node: h.nodeID, Room: room, Except: except, Frame: frame})
	if err != nil {
		slog.Warn("failed to encode adapter message", "room", room, "error", err)
		return
	}
	if err := h.rdb.Publish(ctx, kv.SocketAdapterChannel, payload).Err(); err != nil {
		slog.Warn("failed to publish room broadcast", "room", room, "error", err)
	}
}

func (h *Hub) deliverLocal(room string, frame []byte, except string) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		if s.id != except {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range members {
		s.enqueue(frame)
	}
}
