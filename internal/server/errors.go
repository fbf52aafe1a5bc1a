package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidRequest = "invalid_request"
	errorNotFound       = "not_found"
	errorUnauthorized   = "unauthorized"
	errorInternal       = "internal_error"
	errorRateLimited    = "rate_limited"
)

type codedError interface {
	Code() string
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func abortWithError(c *gin.Context, status int, slug, message string, err error) {
	response := errorResponse{Error: slug, Message: message}
	var coded codedError
	if err != nil && errors.As(err, &coded) {
		response.Code = coded.Code()
	}
	c.AbortWithStatusJSON(status, response)
}

// respondFailure maps infrastructure failures to a 500 carrying the service code.
func (h *httpHandler) respondFailure(c *gin.Context, message string, err error, fields ...zap.Field) {
	h.logger.Error(message, append(fields, zap.Error(err))...)
	abortWithError(c, http.StatusInternalServerError, errorInternal, message, err)
}
