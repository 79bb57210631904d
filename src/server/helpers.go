package server

import (
	"errors"
	"net/http"

	"signal-hub/src/helpers"
	"signal-hub/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var (
	errMissingUser = errors.New("user_id is required (query parameter or X-User-ID header)")
	errMissingType = errors.New("event type is required")
)

// -----------------------------------------------------------------------------

func userIDFrom(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return c.GetHeader("X-User-ID")
}

// -----------------------------------------------------------------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, helpers.ErrInvalidCriteria):
		return http.StatusBadRequest
	case errors.Is(err, helpers.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, helpers.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// -----------------------------------------------------------------------------

// assignEventID gives producer events an id so the caller can correlate it.
func assignEventID(e *models.MEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
}

// -----------------------------------------------------------------------------

func ownsSubscription(subs []models.MSubscription, subID string) bool {
	for _, s := range subs {
		if s.ID == subID {
			return true
		}
	}
	return false
}
