package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"artbeat/internal/kv"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Mobile and web clients connect from arbitrary origins; every session
	// still has to present a valid token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errAuthFailed = errors.New("authentication failed")

// Session is one authenticated websocket connection.
type Session struct {
	id      string
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	// notify is only touched by the read loop.
	notify *redis.PubSub
}

func newSession(h *Hub, conn *websocket.Conn, userID string) *Session {
	ctx, cancel := context.WithCancel(h.ctx)
	burst := int(h.opts.EventsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Session{
		id:      uuid.New().String(),
		userID:  userID,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), burst),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]struct{}),
	}
}

// ServeWS upgrades GET /ws. A token on the request is checked before the
// upgrade; otherwise the client must send {"auth":{"token":...}} as its first
// frame within the handshake timeout.
func (h *Hub) ServeWS(c echo.Context) error {
	var userID string
	if token := tokenFromRequest(c.Request()); token != "" {
		uid, err := h.verifier.VerifyToken(token)
		if err != nil {
			slog.Warn("websocket authentication failed", "remote", c.RealIP(), "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		userID = uid
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", c.RealIP(), "error", err)
		return nil
	}

	if userID == "" {
		userID, err = h.awaitAuth(conn)
		if err != nil {
			slog.Warn("websocket handshake rejected", "remote", c.RealIP(), "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errAuthFailed.Error()),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return nil
		}
	}

	s := newSession(h, conn, userID)
	h.register(s)
	slog.Info("websocket connected", "session_id", s.id, "user_id", userID)

	go s.writePump()
	s.readPump()
	return nil
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) awaitAuth(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hs handshakeFrame
	if err := json.Unmarshal(msg, &hs); err != nil || hs.Auth.Token == "" {
		return "", errAuthFailed
	}
	return h.verifier.VerifyToken(hs.Auth.Token)
}

func (s *Session) readPump() {
	defer s.disconnect()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "session_id", s.id, "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			s.emitError("", "malformed frame")
			continue
		}
		if !s.limiter.Allow() {
			s.emitError(f.Event, "rate limit exceeded")
			continue
		}
		s.dispatch(f)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *Session) disconnect() {
	s.close()
	s.hub.unregister(s)
	if s.notify != nil {
		_ = s.notify.Close()
		s.notify = nil
	}
	slog.Info("websocket disconnected", "session_id", s.id, "user_id", s.userID)
}

// enqueue hands a frame to the write loop. A session whose buffer is full
// is disconnected rather than allowed to stall the sender.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- frame:
	default:
		slog.Warn("dropping slow websocket consumer", "session_id", s.id, "user_id", s.userID)
		s.close()
	}
}

func (s *Session) emit(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		slog.Warn("failed to encode frame", "event", event, "error", err)
		return
	}
	s.enqueue(frame)
}

func (s *Session) emitError(event, message string) {
	s.emit(EventError, errorPayload{Event: event, Message: message})
}

func (s *Session) dispatch(f Frame) {
	switch f.Event {
	case EventJoinConversation:
		id, err := idArg(f.Data, "conversationId", "conversation_id", "id")
		if err != nil {
			s.emitError(f.Event, "conversation id is required")
			return
		}
		if !s.mayJoin(id) {
			return
		}
		room := conversationRoom(id)
		s.hub.join(s, room)
		s.emit(EventJoined, joinedPayload{Room: room})

	case EventJoinNotifications:
		id, err := idArg(f.Data, "userId", "user_id", "id")
		if err != nil {
			s.emitError(f.Event, "user id is required")
			return
		}
		if id != s.userID {
			s.emitError(f.Event, "cannot subscribe to another user's notifications")
			return
		}
		s.subscribeNotifications()

	case EventSendMessage:
		target, ok := s.target(f)
		if !ok {
			return
		}
		if s.relay(f.Event, conversationRoom(target.conversation()), EventNewMessage, f.Data) {
			s.countUnread(target)
		}

	case EventTyping:
		target, ok := s.target(f)
		if !ok {
			return
		}
		s.relay(f.Event, conversationRoom(target.conversation()), EventUserTyping, f.Data)

	default:
		s.emitError(f.Event, "unknown event")
	}
}

func (s *Session) target(f Frame) (messageTarget, bool) {
	var t messageTarget
	if err := json.Unmarshal(f.Data, &t); err != nil || t.conversation() == "" {
		s.emitError(f.Event, "conversation id is required")
		return t, false
	}
	return t, true
}

// mayJoin checks conversation membership and reports any refusal to the
// client.
func (s *Session) mayJoin(conversationID string) bool {
	if s.hub.convs == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	ok, err := s.hub.convs.IsParticipant(ctx, conversationID, s.userID)
	if err != nil {
		s.emitError(EventJoinConversation, "conversation unavailable")
		return false
	}
	if !ok {
		slog.Warn("rejected conversation join",
			"session_id", s.id, "user_id", s.userID, "conversation_id", conversationID)
		s.emitError(EventJoinConversation, "not a participant of this conversation")
		return false
	}
	return true
}

// relay forwards the client's payload untouched to everyone else in room.
// Only sessions that joined the room may speak in it.
func (s *Session) relay(from, room, event string, data json.RawMessage) bool {
	if !s.hub.inRoom(s, room) {
		s.emitError(from, "join the conversation first")
		return false
	}
	frame, err := encodeFrame(event, data)
	if err != nil {
		s.emitError(from, "payload is not valid JSON")
		return false
	}
	s.hub.Broadcast(s.ctx, room, frame, s.id)
	return true
}

func (s *Session) countUnread(t messageTarget) {
	if s.hub.convs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.hub.convs.IncrementForParticipants(ctx, t.conversation(), s.userID, t.RecipientIDs); err != nil {
		slog.Warn("failed to update unread counts",
			"conversation_id", t.conversation(), "sender_id", s.userID, "error", err)
	}
}

func (s *Session) subscribeNotifications() {
	room := notificationRoom(s.userID)
	if s.notify != nil {
		s.emit(EventJoined, joinedPayload{Room: room})
		return
	}

	ps := s.hub.rdb.Subscribe(s.ctx, kv.NotificationChannel(s.userID))
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		slog.Warn("failed to subscribe to notifications", "user_id", s.userID, "error", err)
		s.emitError(EventJoinNotifications, "notifications unavailable")
		return
	}

	s.notify = ps
	s.hub.join(s, room)
	go s.forwardNotifications(ps)
	s.emit(EventJoined, joinedPayload{Room: room})
}

func (s *Session) forwardNotifications(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		frame, err := encodeFrame(EventNotification, json.RawMessage(msg.Payload))
		if err != nil {
			slog.Warn("dropping malformed notification", "user_id", s.userID, "error", err)
			continue
		}
		s.enqueue(frame)
	}
}
