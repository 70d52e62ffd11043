package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/config"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/services"
)

// abortWithError maps domain errors onto HTTP status codes and writes the
// JSON error body.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, config.ErrRunbookNotFound),
		errors.Is(err, controller.ErrUnknownExecution):
		status = http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, controller.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrExpired):
		status = http.StatusGone
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
