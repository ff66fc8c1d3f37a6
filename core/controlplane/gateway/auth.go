package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	envAPIKeys = "PACKGRANT_API_KEYS"
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "packgrant-api-key"
)

// APIKeyAuth checks the X-API-Key header (or the websocket subprotocol)
// against a fixed key set.
type APIKeyAuth struct {
	keys [][]byte
}

// APIKeyAuthFromEnv returns nil when no keys are configured, which leaves the
// API open.
func APIKeyAuthFromEnv() (*APIKeyAuth, error) {
	keys, err := parseAPIKeys(os.Getenv(envAPIKeys))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return NewAPIKeyAuth(keys...), nil
}

func NewAPIKeyAuth(keys ...string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = normalizeAPIKey(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Allowed reports whether the request carries a known key.
func (a *APIKeyAuth) Allowed(r *http.Request) bool {
	if a == nil || len(a.keys) == 0 {
		return true
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		return false
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// apiKeyMiddleware guards /api/ routes. Health and self-hosted files stay open.
func apiKeyMiddleware(auth *APIKeyAuth, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !auth.Allowed(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseAPIKeys accepts a comma separated list or a JSON array of strings.
func parseAPIKeys(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		return keys, nil
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := normalizeAPIKey(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	return strings.TrimSpace(strings.Trim(key, "\"'"))
}

func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
