package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"artbeat/internal/auth"
)

const maxBatchConversations = 200

// GetMessageUnreadCount returns one conversation's count when conversation_id
// is given, else the total across conversations.
func (h *Handler) GetMessageUnreadCount(c echo.Context) error {
	userID := auth.UserID(c)
	conversationID := c.QueryParam("conversation_id")

	count, err := h.Unread.GetUnreadCount(c.Request().Context(), userID, conversationID)
	if err != nil {
		slog.Warn("serving zero unread message count",
			"user_id", userID, "conversation_id", conversationID, "error", err)
	}

	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) GetMessageUnreadCounts(c echo.Context) error {
	userID := auth.UserID(c)

	var ids []string
	for _, id := range strings.Split(c.QueryParam("conversation_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return errorJSON(c, http.StatusBadRequest, "conversation_ids is required")
	}
	if len(ids) > maxBatchConversations {
		return errorJSON(c, http.StatusBadRequest, "Too many conversation ids")
	}

	counts, err := h.Unread.GetBatchUnreadCounts(c.Request().Context(), userID, ids)
	if err != nil {
		slog.Warn("serving empty unread message counts", "user_id", userID, "error", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"counts": counts})
}

func (h *Handler) MarkConversationRead(c echo.Context) error {
	userID := auth.UserID(c)
	conversationID := c.Param("id")

	if err := h.Unread.ResetUnreadCount(c.Request().Context(), userID, conversationID); err != nil {
		slog.Warn("conversation read reset not applied",
			"user_id", userID, "conversation_id", conversationID, "error", err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Conversation marked as read"})
}
