package server

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// withRequestMetrics logs one line per request. The wrapped writer keeps http.Hijacker so the
// realtime upgrade still works.
func withRequestMetrics(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		metrics := httpsnoop.CaptureMetrics(next, writer, request)
		logger.Info("handled request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", metrics.Code),
			zap.Duration("duration", metrics.Duration),
			zap.Int64("bytes", metrics.Written))
	})
}
