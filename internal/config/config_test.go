package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected database settings: %s %s", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl: %s", cfg.TokenTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.PingInterval != 25*time.Second || cfg.PongTimeout != time.Minute {
		t.Fatalf("unexpected heartbeat settings: %s %s", cfg.PingInterval, cfg.PongTimeout)
	}
	if cfg.IsProduction() {
		t.Fatalf("expected development environment by default")
	}
}

func TestLoadValidationFailures(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{
			name:    "missing-signing-secret",
			values:  map[string]any{},
			wantErr: "auth.signing_secret",
		},
		{
			name:    "unknown-driver",
			values:  map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"},
			wantErr: "database.driver",
		},
		{
			name:    "firebase-without-project",
			values:  map[string]any{"auth.mode": "firebase"},
			wantErr: "auth.firebase_project_id",
		},
		{
			name:    "unknown-environment",
			values:  map[string]any{"auth.signing_secret": "s", "environment": "qa"},
			wantErr: "environment",
		},
		{
			name:    "pong-not-after-ping",
			values:  map[string]any{"auth.signing_secret": "s", "realtime.pong_timeout_seconds": 10},
			wantErr: "realtime.pong_timeout_seconds",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TANDEM_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("TANDEM_CORS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.AuthSigningSecret != "env-secret" {
		t.Fatalf("expected signing secret from env, got %q", cfg.AuthSigningSecret)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}
