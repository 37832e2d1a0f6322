package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tableside/internal/common/logger"
	"tableside/internal/microservices/order/domain"
	"tableside/internal/microservices/order/domain/dto"
)

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindClosed:
		return http.StatusConflict
	case domain.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as {error, code, details}. Errors without a kind are
// logged and hidden behind a generic message.
func writeError(c *gin.Context, lg *logger.Logger, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		lg.Error("request_failed", err, map[string]any{"path": c.FullPath()})
		c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal error",
			Code:  "Internal",
		})
		return
	}
	code := statusFor(de.Kind)
	if code >= http.StatusInternalServerError {
		lg.Error("request_failed", err, map[string]any{"path": c.FullPath(), "kind": string(de.Kind)})
	}
	c.AbortWithStatusJSON(code, dto.ErrorResponse{
		Error:   de.Message,
		Code:    string(de.Kind),
		Details: de.Details,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Error: msg,
		Code:  string(domain.KindInvalidRequest),
	})
}
