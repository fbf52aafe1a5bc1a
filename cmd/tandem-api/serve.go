package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := newLogger(appConfig)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.LogLevel,
		Format:     appConfig.LogFormat,
		FilePath:   appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func runServer(parent context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if appConfig.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return err
	}
	if err := database.Migrate(db, logger); err != nil {
		logger.Error("failed to migrate database", zap.Error(err))
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := documents.NewUUIDProvider()
	store, err := history.NewStore(history.StoreConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return err
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
		Dependents: []documents.DependentCleaner{store},
	})
	if err != nil {
		return err
	}
	engine, err := collab.NewEngine(collab.EngineConfig{Log: store, MaxUpdateBytes: int(appConfig.MaxMessageBytes), Logger: logger})
	if err != nil {
		return err
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	verifier, err := newVerifier(appConfig, logger)
	if err != nil {
		logger.Error("failed to build token verifier", zap.Error(err))
		return err
	}

	reconstructor := history.NewReconstructor(store)
	hub, err := realtime.NewHub(realtime.HubConfig{
		Registry:   presence.NewRegistry(),
		Verifier:   verifier,
		Identities: identities,
		Documents:  documentService,
		Replayer:   reconstructor,
		Merger:     engine,
		IDProvider: idProvider,
		SendBuffer: appConfig.SendBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	realtimeHandler := realtime.NewHandler(hub, realtime.TransportConfig{
		PingInterval:    appConfig.PingInterval,
		PongTimeout:     appConfig.PongTimeout,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		AllowedOrigins:  appConfig.AllowedOrigins,
	}, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents:       documentService,
		History:         store,
		Reconstructor:   reconstructor,
		Realtime:        realtimeHandler,
		RestoreNotifier: hub,
		Verifier:        verifier,
		Identities:      identities,
		Ping:            sqlDB.PingContext,
		AuthMode:        appConfig.AuthMode,
		AllowedOrigins:  appConfig.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerMinute: appConfig.RequestsPerMinute,
			Burst:             appConfig.RateBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("auth_mode", appConfig.AuthMode),
			zap.String("environment", appConfig.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down", zap.Int("realtime_connections", hub.ConnectionCount()))
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

func newVerifier(appConfig config.AppConfig, logger *zap.Logger) (auth.TokenVerifier, error) {
	switch appConfig.AuthMode {
	case config.AuthModeFirebase:
		return auth.NewFirebaseVerifier(auth.FirebaseVerifierConfig{
			ProjectID: appConfig.FirebaseProjectID,
			JWKSURL:   appConfig.FirebaseJWKSURL,
			Logger:    logger,
		})
	default:
		return auth.NewSessionVerifier(auth.SessionVerifierConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
		})
	}
}
