package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// Client to server.
const (
	EventJoinConversation  = "join-conversation"
	EventJoinNotifications = "join-notifications"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
)

// Server to client.
const (
	EventNewMessage   = "new-message"
	EventUserTyping   = "user-typing"
	EventNotification = "notification"
	EventJoined       = "joined"
	EventError        = "error"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// handshakeFrame is the first frame of a client that did not put its token
// on the upgrade request.
type handshakeFrame struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

type joinedPayload struct {
	Room string `json:"room"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

var errMissingID = errors.New("missing id")

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// idArg accepts either a bare JSON string or an object carrying one of keys.
func idArg(data json.RawMessage, keys ...string) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
		return "", errMissingID
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errMissingID
	}
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", errMissingID
}

// messageTarget pulls the routing fields out of a send-message or typing
// payload without touching the payload itself.
type messageTarget struct {
	ConversationID  string   `json:"conversationId"`
	ConversationID2 string   `json:"conversation_id"`
	RecipientIDs    []string `json:"recipientIds"`
}

func (m messageTarget) conversation() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.ConversationID2
}

func conversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

func notificationRoom(userID string) string {
	return "notifications:" + userID
}
