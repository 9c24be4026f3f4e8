package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	envAPIKeys = "MPK_API_KEYS"
	envAPIKey  = "MPK_API_KEY"
)

var errUnauthorized = errors.New("unauthorized")

// AuthProvider decides whether a request may reach the API.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) error
}

type apiKeyEntry struct {
	Key string `json:"key"`
}

// APIKeyAuth accepts requests carrying one of a fixed set of keys in
// X-API-Key or, for websocket upgrades, in the mpk-api-key subprotocol.
type APIKeyAuth struct {
	keys []string
}

// NewAPIKeyAuth builds an APIKeyAuth. Blank keys are ignored.
func NewAPIKeyAuth(keys ...string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = normalizeAPIKey(k); k != "" {
			a.keys = append(a.keys, k)
		}
	}
	return a
}

// APIKeyAuthFromEnv reads MPK_API_KEYS and MPK_API_KEY. It returns nil when
// neither is set, which leaves the API open.
func APIKeyAuthFromEnv() (*APIKeyAuth, error) {
	var keys []string
	if raw := strings.TrimSpace(os.Getenv(envAPIKeys)); raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}
	if single := os.Getenv(envAPIKey); strings.TrimSpace(single) != "" {
		keys = append(keys, single)
	}
	a := NewAPIKeyAuth(keys...)
	if len(a.keys) == 0 {
		return nil, nil
	}
	return a, nil
}

// AuthenticateHTTP checks the request key.
func (a *APIKeyAuth) AuthenticateHTTP(r *http.Request) error {
	if a == nil || len(a.keys) == 0 {
		return nil
	}
	if r == nil {
		return errUnauthorized
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		return errUnauthorized
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return nil
		}
	}
	return errUnauthorized
}

// apiKeyMiddleware enforces auth on /api/ routes.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if err := auth.AuthenticateHTTP(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			var plain []string
			if err2 := json.Unmarshal([]byte(raw), &plain); err2 != nil {
				return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
			}
			for _, k := range plain {
				entries = append(entries, apiKeyEntry{Key: k})
			}
		}
		return entries, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// name:key pairs keep a label next to the key.
		if _, key, ok := strings.Cut(part, ":"); ok {
			part = strings.TrimSpace(key)
		}
		if part != "" {
			entries = append(entries, apiKeyEntry{Key: part})
		}
	}
	return entries, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
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
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
