package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/database"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Auth settings are irrelevant here, so only the storage and log keys are read.
			logger, err := newLogger(config.AppConfig{
				LogLevel:  viper.GetString("log.level"),
				LogFormat: viper.GetString("log.format"),
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			db, err := database.Open(database.Config{
				Driver: viper.GetString("database.driver"),
				DSN:    viper.GetString("database.dsn"),
			}, logger)
			if err != nil {
				logger.Error("failed to open database", zap.Error(err))
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := database.Migrate(db, logger); err != nil {
				logger.Error("failed to migrate database", zap.Error(err))
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		email       string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.AuthMode != config.AuthModeSession {
				return errors.New("session tokens can only be issued in session auth mode")
			}
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user-id is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionIdentity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id to embed in the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name to embed in the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	return cmd
}
