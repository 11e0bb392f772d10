package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// logWeight appends a weight entry and returns a progress_log card with the
// delta since the previous latest entry.
// POST /log. Body: { "user_id", "date"?: "YYYY-MM-DD", "weight_kg" }.
// Date defaults to today (UTC). Returns 503 if the entry could not be stored.
func (h *Handler) logWeight(c *gin.Context) {
	var req logWeightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := requireUserID(c, req.UserID)
	if !ok {
		return
	}

	date := h.coach.now().UTC().Truncate(24 * time.Hour)
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			apiError(c, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
		date = d
	}

	env, err := h.coach.LogWeight(c.Request.Context(), userID, date, req.WeightKG)
	if err != nil {
		if isValidationError(err) {
			apiError(c, http.StatusBadRequest, err.Error())
			return
		}
		apiError(c, http.StatusServiceUnavailable, "failed to store weight entry")
		return
	}

	env.TraceID = traceID(c)
	c.JSON(http.StatusCreated, env)
}

// getWeightLog returns a user's most recent weight entries, oldest first.
// GET /weight-log?user_id=...&limit=N. Returns an empty array (not null) if
// no entries exist.
func (h *Handler) getWeightLog(c *gin.Context) {
	userID, ok := requireUserID(c, c.Query("user_id"))
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	entries, err := h.store.WeightHistory(c.Request.Context(), userID, limit)
	if err != nil {
		h.coach.persistFailed(c.Request.Context(), err, "weight history")
		apiError(c, http.StatusServiceUnavailable, "failed to fetch weight log")
		return
	}
	// Ensure empty array (not null) in JSON
	if entries == nil {
		entries = []weightEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
