package session

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/classroomhub/collab-core/internal/v1/auth"
)

// tokenExtractionResult carries where the bearer token came from, since the
// response must echo the Sec-WebSocket-Protocol subprotocol when that's
// how the client sent it.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken prefers the Sec-WebSocket-Protocol header (browsers cannot
// set arbitrary headers on a WS handshake, but can set subprotocols) and
// falls back to the legacy "token" query parameter.
func extractToken(r *http.Request) tokenExtractionResult {
	result := tokenExtractionResult{}

	if headerVal := r.Header.Get("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			switch {
			case p == "access_token":
				result.HasAccessTokenProtocol = true
			case p != "":
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	if result.Token == "" {
		if q := r.URL.Query().Get("token"); q != "" {
			result.Token = q
			result.FromHeader = false
		}
	}

	return result
}

// authenticateUser validates the bearer token and returns its claims.
func (h *Hub) authenticateUser(token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// newConnectionID mints an opaque, per-connection identifier. It is never
// reused across reconnects, unlike UserID.
func newConnectionID() ConnectionIdType {
	return ConnectionIdType(uuid.NewString())
}

// validateOrigin allows same-origin and configured cross-origin browser
// clients through, and any non-browser client (no Origin header at all).
// devMode skips the check entirely for local frontend development.
func validateOrigin(r *http.Request, devMode bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || devMode {
		return true
	}

	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}
