package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/batchd/internal/repos"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondRepoError maps the storage error taxonomy onto HTTP statuses.
func respondRepoError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repos.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repos.ErrQueueFull):
		RespondError(c, http.StatusConflict, "queue_full", err)
	case errors.Is(err, repos.ErrStateConflict):
		RespondError(c, http.StatusConflict, "state_conflict", err)
	case errors.Is(err, repos.ErrBackendUnavailable):
		RespondError(c, http.StatusServiceUnavailable, "backend_unavailable", err)
	default:
		RespondError(c, http.StatusBadRequest, "bad_request", err)
	}
}
