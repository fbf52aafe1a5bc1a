package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	routeRealtime = "/realtime"
	anonymousUser = "anonymous"
)

var (
	errMissingDocuments = errors.New("documents service dependency required")
	errMissingHistory   = errors.New("history store dependency required")
	errMissingRealtime  = errors.New("realtime handler dependency required")
)

// RestoreNotifier tells live sessions that a document was rolled back.
type RestoreNotifier interface {
	NotifyRestored(outcome history.RestoreOutcome, userID, userName string)
}

// IdentityResolver maps a verified principal to its canonical identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, principal auth.Principal) (auth.Principal, error)
}

// RateLimitConfig configures the per-client limiter of the HTTP API.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Documents       *documents.Service
	History         *history.Store
	Reconstructor   *history.Reconstructor
	Realtime        http.Handler
	RestoreNotifier RestoreNotifier
	Verifier        auth.TokenVerifier
	Identities      IdentityResolver
	Ping            func(ctx context.Context) error
	AuthMode        string
	AllowedOrigins  []string
	RateLimit       RateLimitConfig
	Clock           func() time.Time
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router wrapped in request metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	reconstructor := deps.Reconstructor
	if reconstructor == nil {
		reconstructor = history.NewReconstructor(deps.History)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		documents:     deps.Documents,
		history:       deps.History,
		reconstructor: reconstructor,
		notifier:      deps.RestoreNotifier,
		verifier:      deps.Verifier,
		identities:    deps.Identities,
		ping:          deps.Ping,
		authMode:      deps.AuthMode,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/ready", handler.handleReady)
	router.GET(routeRealtime, gin.WrapH(deps.Realtime))

	api := router.Group("/")
	if deps.RateLimit.RequestsPerMinute > 0 {
		api.Use(newRateLimiter(deps.RateLimit, clock).middleware())
	}
	api.POST("/documents", handler.handleCreateDocument)
	api.GET("/documents", handler.handleListDocuments)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.PUT("/documents/:id", handler.handleUpdateDocument)
	api.DELETE("/documents/:id", handler.handleDeleteDocument)
	api.GET("/documents/:id/versions", handler.handleListVersions)
	api.GET("/documents/:id/versions/:versionId", handler.handleGetVersion)
	api.POST("/documents/:id/versions/:versionId/restore", handler.handleRestoreVersion)

	return withRequestMetrics(router, logger), nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	documents     *documents.Service
	history       *history.Store
	reconstructor *history.Reconstructor
	notifier      RestoreNotifier
	verifier      auth.TokenVerifier
	identities    IdentityResolver
	ping          func(ctx context.Context) error
	authMode      string
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.clock().UTC()})
}

func (h *httpHandler) handleReady(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "database": "unavailable", "auth": h.authMode})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "database": "connected", "auth": h.authMode})
}
