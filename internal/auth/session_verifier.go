package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProviderSession tags principals authenticated with locally issued session tokens.
const ProviderSession = "session"

var (
	ErrMissingSessionSigningKey = errors.New("session verifier: signing key required")
	ErrMissingSessionIssuer     = errors.New("session verifier: issuer required")
	ErrMissingSessionToken      = errors.New("session verifier: token required")
	ErrInvalidSessionToken      = errors.New("session verifier: invalid token")
	ErrExpiredSessionToken      = errors.New("session verifier: token expired")
	ErrMissingSessionSubject    = errors.New("session verifier: subject required")
)

// SessionClaims is the payload of an HS256 session token.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// SessionVerifierConfig describes how to validate session tokens.
type SessionVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// SessionVerifier validates HS256 session tokens minted by TokenIssuer.
type SessionVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewSessionVerifier constructs a verifier with the provided configuration.
func NewSessionVerifier(cfg SessionVerifierConfig) (*SessionVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionVerifier) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// Verify implements TokenVerifier.
func (v *SessionVerifier) Verify(_ context.Context, rawToken string) (Principal, error) {
	claims, err := v.ValidateToken(rawToken)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return Principal{
		Provider:    ProviderSession,
		Subject:     strings.TrimSpace(claims.Subject),
		UserID:      strings.TrimSpace(claims.UserID),
		Email:       strings.TrimSpace(claims.UserEmail),
		DisplayName: strings.TrimSpace(claims.UserDisplayName),
	}, nil
}
