package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/terra-clan/pitchsync/internal/config"
	"github.com/terra-clan/pitchsync/internal/models"
)

// Permissions checked by RequirePermission
const (
	PermSessionRead    = "session:read"
	PermSessionWrite   = "session:write"
	PermSynthesisWrite = "synthesis:write"
	PermEventsRead     = "events:read"
)

// PresentersFromConfig builds the presenter list from server configuration.
// The single server api key, when set, is a presenter with every permission.
func PresentersFromConfig(cfg config.ServerConfig) []models.Presenter {
	presenters := make([]models.Presenter, 0, len(cfg.Presenters)+1)
	if cfg.APIKey != "" {
		presenters = append(presenters, models.Presenter{
			Name:        "default",
			ApiKey:      cfg.APIKey,
			Permissions: []string{"*"},
		})
	}
	for _, p := range cfg.Presenters {
		presenters = append(presenters, models.Presenter{
			Name:        p.Name,
			ApiKey:      p.APIKey,
			Permissions: p.Permissions,
		})
	}
	return presenters
}

// AuthMiddleware handles presenter API key authentication
type AuthMiddleware struct {
	presenters []models.Presenter
}

// NewAuthMiddleware creates new auth middleware. With no presenters
// configured every request is served as an anonymous full-access presenter.
func NewAuthMiddleware(presenters []models.Presenter) *AuthMiddleware {
	return &AuthMiddleware{presenters: presenters}
}

var anonymousPresenter = &models.Presenter{Name: "local", Permissions: []string{"*"}}

// Authenticate verifies API key from Authorization header
// Supports formats: "Bearer ps_xxx" or "ps_xxx" in Authorization header
// Also supports X-API-Key header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.presenters) == 0 {
			next.ServeHTTP(w, r.WithContext(ContextWithPresenter(r.Context(), anonymousPresenter)))
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing api key", "provide Authorization header with Bearer token or X-API-Key header")
			return
		}

		presenter := m.lookup(apiKey)
		if presenter == nil {
			slog.Warn("invalid api key attempt", "key_prefix", maskKey(apiKey), "remote_addr", r.RemoteAddr)
			writeAuthError(w, http.StatusUnauthorized, "invalid api key", "the provided api key is not valid")
			return
		}

		slog.Debug("authenticated request", "presenter", presenter.Name, "key_prefix", presenter.MaskedApiKey())

		ctx := ContextWithPresenter(r.Context(), presenter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) lookup(apiKey string) *models.Presenter {
	for i := range m.presenters {
		if subtle.ConstantTimeCompare([]byte(m.presenters[i].ApiKey), []byte(apiKey)) == 1 {
			return &m.presenters[i]
		}
	}
	return nil
}

// RequirePermission returns middleware that checks for specific permission
func (m *AuthMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presenter := PresenterFromContext(r.Context())
			if presenter == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated", "authentication required")
				return
			}

			if !presenter.HasPermission(permission) {
				slog.Warn("permission denied",
					"presenter", presenter.Name,
					"required", permission,
					"has", presenter.Permissions,
				)
				writeAuthError(w, http.StatusForbidden, "permission denied",
					"presenter does not have required permission: "+permission)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey extracts API key from request headers
func extractAPIKey(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer ")
		}
		return authHeader
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	// Browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("api_key")
}

// maskKey returns first 8 chars of key for safe logging
func maskKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:8] + "..."
}

// AuthError represents an authentication error response
type AuthError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeAuthError writes JSON error response
func writeAuthError(w http.ResponseWriter, status int, error, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(AuthError{
		Error:   error,
		Message: message,
	})
}
