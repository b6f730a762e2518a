package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/terra-clan/pitchsync/internal/phase"
	"github.com/terra-clan/pitchsync/internal/session"
	"github.com/terra-clan/pitchsync/pkg/client"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// decodeBody decodes and validates a JSON request body. An empty body is
// accepted when the request type has no required fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return false
		}
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
	return err.Error()
}

// respondOperationError maps controller and backend errors onto HTTP responses
func respondOperationError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		respondError(w, http.StatusConflict, "busy", "another operation is in flight")
	case errors.Is(err, session.ErrNoSession):
		respondError(w, http.StatusNotFound, "no_session", "no active session")
	case errors.Is(err, session.ErrInvalidTeam), errors.Is(err, session.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, session.ErrNotAuthorized):
		respondError(w, http.StatusUnauthorized, "not_authorized", "backend credentials are missing")
	case errors.Is(err, phase.ErrPhaseLocked):
		respondError(w, http.StatusForbidden, "phase_locked", err.Error())
	case errors.Is(err, phase.ErrUnknownPhase):
		respondError(w, http.StatusNotFound, "phase_not_found", err.Error())
	case errors.Is(err, phase.ErrInvalidTransition),
		errors.Is(err, phase.ErrRetryLimit),
		errors.Is(err, session.ErrCannotProceed),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNoPrompt):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		if apiErr, ok := client.AsApiError(err); ok {
			status := http.StatusBadGateway
			if apiErr.Code == client.CodeTimeout {
				status = http.StatusGatewayTimeout
			}
			slog.Warn("backend call failed", "operation", op, "code", apiErr.Code, "error_id", apiErr.ErrorID)
			respondError(w, status, apiErr.Code, apiErr.Message)
			return
		}
		slog.Error("operation failed", "operation", op, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	state := s.health.State()
	if !state.Online {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "backend is "+state.Status)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ready",
		"backend": state,
	})
}

// Status handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"session": s.controller.Status(),
		"visible": s.visibility.Visible(),
	}
	if s.health != nil {
		resp["backend"] = s.health.State()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrentBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.broadcasts == nil {
		respondError(w, http.StatusNotFound, "no_broadcast", "no active broadcast")
		return
	}
	b, ok := s.broadcasts.Current()
	if !ok {
		respondError(w, http.StatusNotFound, "no_broadcast", "no active broadcast")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

type visibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.visibility.SetVisible(*req.Visible)
	respondJSON(w, http.StatusOK, map[string]bool{"visible": s.visibility.Visible()})
}
