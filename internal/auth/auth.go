package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator validates incoming requests and returns a ClientContext.
type Authenticator interface {
	Authenticate(r *http.Request) (*ClientContext, error)
}

// ClientContext holds the authenticated client's identity and permissions.
type ClientContext struct {
	ClientID string
	Mode     string // "control" (may execute/clear) or "observer" (read-only)
	FailOpen bool
}

// CanControl reports whether the client may mutate pipeline state.
func (c *ClientContext) CanControl() bool {
	return c.Mode != "observer"
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts an mbk_ API key from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return "", ErrUnauthenticated
	}
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, "mbk_") {
		return "", ErrUnauthenticated
	}
	return token, nil
}
