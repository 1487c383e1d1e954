package http

import (
	"errors"
	"net/http"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/gin-gonic/gin"
)

// headerDegraded tells clients a response was served from the fallback store.
const headerDegraded = "X-Degraded"

func markDegraded(c *gin.Context, degraded ...bool) {
	for _, d := range degraded {
		if d {
			c.Header(headerDegraded, "true")
			return
		}
	}
}

// writeError maps layer errors onto status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		verr    *domain.ValidationError
		autherr *domain.AuthError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, domain.ErrWeakPassword):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": domain.ErrWeakPassword.Error()})
	case errors.Is(err, domain.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": domain.ErrAccountExists.Error()})
	case domain.IsUnavailable(err):
		s.logger.Warn("backend unavailable", "path", c.FullPath(), "error", err)
		c.Header(headerDegraded, "true")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	case errors.As(err, &autherr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": autherr.Err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
