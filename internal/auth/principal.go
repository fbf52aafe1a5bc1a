package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrAuthenticationFailed wraps every verification failure surfaced to callers.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

const bearerPrefix = "bearer "

// Principal is the verified identity behind a token.
type Principal struct {
	Provider    string
	Subject     string
	UserID      string
	Email       string
	DisplayName string
}

// TokenVerifier turns an opaque token into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(request *http.Request) string {
	if request == nil {
		return ""
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}
