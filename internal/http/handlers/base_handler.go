// README: Handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rickqueue/internal/modules/group"
	"rickqueue/internal/modules/queue"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Error: msg})
}

func writeQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrRouteNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrAlreadyInQueue):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, group.ErrPolicyMismatch):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrGroupFull):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrPersistence):
		writeError(c, http.StatusServiceUnavailable, "temporary storage failure, retry")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
