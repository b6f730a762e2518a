package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/session"
)

// maxImageSize caps the final artifact upload
const maxImageSize = 10 << 20

// Request types

type initSessionRequest struct {
	TeamID    string `json:"team_id" validate:"required,max=64"`
	UsecaseID string `json:"usecase_id" validate:"omitempty,max=64"`
}

type startPhaseRequest struct {
	Responses []models.Response `json:"responses"`
}

type submitPhaseRequest struct {
	Responses []models.Response `json:"responses" validate:"required,min=1"`
}

type feedbackRequest struct {
	Action string `json:"action" validate:"required,oneof=CONTINUE RETRY continue retry"`
}

type regenerateRequest struct {
	Notes   string            `json:"additional_notes" validate:"max=2000"`
	History []models.ChatTurn `json:"conversation_history" validate:"max=50"`
}

// Session handlers

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Snapshot()
	if err != nil {
		respondOperationError(w, "get session", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")

	resp, err := s.controller.CheckSession(r.Context(), teamID)
	if err != nil {
		respondOperationError(w, "check session", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req initSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.controller.InitFromTeamCode(r.Context(), req.TeamID, req.UsecaseID)
	if err != nil {
		respondOperationError(w, "initialize session", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Resume(r.Context())
	if err != nil {
		respondOperationError(w, "resume session", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSetTeam switches the authenticated team and re-synchronizes
func (s *Server) handleSetTeam(w http.ResponseWriter, r *http.Request) {
	var req initSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.controller.Team().Set(strings.ToUpper(strings.TrimSpace(req.TeamID)))

	sess, err := s.controller.Resume(r.Context())
	if err != nil {
		respondOperationError(w, "switch team", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	s.controller.ResetToStart()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Phase handlers

func (s *Server) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "phase number must be a positive integer")
		return
	}

	var req startPhaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entered, err := s.controller.StartPhase(r.Context(), n, req.Responses)
	if err != nil {
		respondOperationError(w, "start phase", err)
		return
	}
	respondJSON(w, http.StatusOK, entered)
}

func (s *Server) handleSubmitPhase(w http.ResponseWriter, r *http.Request) {
	var req submitPhaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := s.controller.SubmitPhase(r.Context(), req.Responses)
	if err != nil {
		respondOperationError(w, "submit phase", err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	action := session.Action(strings.ToUpper(req.Action))
	sess, err := s.controller.HandleFeedbackAction(r.Context(), action)
	if err != nil {
		respondOperationError(w, "apply feedback action", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Synthesis handlers

func (s *Server) handleCuratePrompt(w http.ResponseWriter, r *http.Request) {
	draft, err := s.controller.CuratePrompt(r.Context())
	if err != nil {
		respondOperationError(w, "curate prompt", err)
		return
	}
	respondJSON(w, http.StatusOK, draft)
}

func (s *Server) handleRegeneratePrompt(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	draft, err := s.controller.RegeneratePrompt(r.Context(), req.Notes, req.History)
	if err != nil {
		respondOperationError(w, "regenerate prompt", err)
		return
	}
	respondJSON(w, http.StatusOK, draft)
}

// handleSubmitFinal accepts a multipart form with an "image" file and an
// optional "prompt" field
func (s *Server) handleSubmitFinal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize+1<<20)
	if err := r.ParseMultipartForm(maxImageSize); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with an image file")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "image file is required")
		return
	}
	defer file.Close()

	sess, err := s.controller.SubmitFinalArtifact(r.Context(), r.FormValue("prompt"), header.Filename, file)
	if err != nil {
		respondOperationError(w, "submit final artifact", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
