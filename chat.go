package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxChatMessageLen = 4000

// chat runs the chat flow. POST /chat. Body: { "user_id", "message" }.
// Always answers with an envelope once the body is valid; LLM failures
// become the fallback reply.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := requireUserID(c, req.UserID)
	if !ok {
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		apiError(c, http.StatusBadRequest, "message is required")
		return
	}
	if len(text) > maxChatMessageLen {
		apiError(c, http.StatusBadRequest, "message is too long")
		return
	}

	env := h.coach.Chat(c.Request.Context(), userID, text)
	env.TraceID = traceID(c)
	c.JSON(http.StatusOK, env)
}

// getMessages returns the retained chat history for a user, oldest first.
// GET /messages?user_id=...&limit=N. Returns an empty array (not null) for
// unknown users.
func (h *Handler) getMessages(c *gin.Context) {
	userID, ok := requireUserID(c, c.Query("user_id"))
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	msgs, err := h.store.LastMessages(c.Request.Context(), userID, limit)
	if err != nil {
		h.coach.persistFailed(c.Request.Context(), err, "last messages")
		apiError(c, http.StatusServiceUnavailable, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// queryLimit parses the optional limit query param. 0 means the store default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		apiError(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
