package notification

import (
	"fmt"
	"strings"
	"time"
)

type NotificationType string

const (
	TypeMessage    NotificationType = "message"
	TypeCommission NotificationType = "commission"
	TypeLike       NotificationType = "like"
	TypeFollow     NotificationType = "follow"
	TypeSystem     NotificationType = "system"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Action    map[string]interface{} `json:"action,omitempty"`
	Priority  Priority               `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
	Read      bool                   `json:"read"`
}

// NotificationRequest is the body a caller hands to Publish.
type NotificationRequest struct {
	Type     NotificationType       `json:"type" validate:"required,oneof=message commission like follow system"`
	Title    string                 `json:"title" validate:"required,max=200"`
	Message  string                 `json:"message" validate:"max=2000"`
	Action   map[string]interface{} `json:"action,omitempty"`
	Priority Priority               `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

type NotificationStats struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// ListCacheKey names a cached page of userID's notification list. Whatever
// changes the list must drop ListCachePattern(userID).
func ListCacheKey(userID string, limit, offset int) string {
	return fmt.Sprintf("notifications:list:%s:%d:%d", userID, limit, offset)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// ListCachePattern matches every cached page of userID's list.
func ListCachePattern(userID string) string {
	return "notifications:list:" + globEscaper.Replace(userID) + ":*"
}
