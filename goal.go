package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxUserIDLen = 128

// requireUserID trims and checks a user_id from a body or query string.
// Writes the 400 itself and returns false when invalid.
func requireUserID(c *gin.Context, raw string) (string, bool) {
	userID := strings.TrimSpace(raw)
	if userID == "" {
		apiError(c, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	if len(userID) > maxUserIDLen {
		apiError(c, http.StatusBadRequest, "user_id is too long")
		return "", false
	}
	return userID, true
}

// setGoal validates the profile and runs the goal-setting flow.
// POST /goal. Body: { "user_id", "profile": {...} }. Safety refusals are 200s
// with refusal text; malformed profiles are 400s.
func (h *Handler) setGoal(c *gin.Context) {
	var req goalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := requireUserID(c, req.UserID)
	if !ok {
		return
	}
	if err := validateProfile(&req.Profile); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}

	env, err := h.coach.Goal(c.Request.Context(), userID, req.Profile)
	if err != nil {
		if isValidationError(err) {
			apiError(c, http.StatusBadRequest, err.Error())
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("component", "goal").Msg("goal flow failed")
		apiError(c, http.StatusInternalServerError, "failed to build plan")
		return
	}

	env.TraceID = traceID(c)
	c.JSON(http.StatusOK, env)
}
