package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/pitchsync/internal/models"
)

// phaseSummary is a catalog entry with the team's progress on it
type phaseSummary struct {
	Number           int                `json:"number"`
	Name             string             `json:"name"`
	Weight           float64            `json:"weight"`
	TimeLimitSeconds int                `json:"time_limit_seconds"`
	Questions        int                `json:"questions"`
	Status           models.PhaseStatus `json:"status"`
	Unlocked         bool               `json:"unlocked"`
	PhaseScore       float64            `json:"phase_score"`
}

func (s *Server) handleGetUsecase(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Snapshot()
	if err != nil {
		respondOperationError(w, "get usecase", err)
		return
	}
	respondJSON(w, http.StatusOK, sess.Usecase)
}

func (s *Server) handleGetScoring(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Snapshot()
	if err != nil {
		respondOperationError(w, "get scoring rules", err)
		return
	}
	respondJSON(w, http.StatusOK, sess.Rules)
}

func (s *Server) handleListPhases(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Snapshot()
	if err != nil {
		respondOperationError(w, "list phases", err)
		return
	}

	numbers := sess.Phases.Numbers()
	phases := make([]phaseSummary, 0, len(numbers))
	for _, n := range numbers {
		phases = append(phases, summarize(sess, n))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"phases": phases,
		"total":  len(phases),
	})
}

func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "phase number must be an integer")
		return
	}

	sess, err := s.controller.Snapshot()
	if err != nil {
		respondOperationError(w, "get phase", err)
		return
	}

	def, ok := sess.Phases[n]
	if !ok {
		respondError(w, http.StatusNotFound, "phase_not_found", "phase not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"definition": def,
		"summary":    summarize(sess, n),
	})
}

func summarize(sess *models.Session, n int) phaseSummary {
	def := sess.Phases[n]
	summary := phaseSummary{
		Number:           n,
		Name:             def.Name,
		Weight:           def.Weight,
		TimeLimitSeconds: def.TimeLimitSeconds,
		Questions:        len(def.Questions),
		Status:           models.PhasePending,
		Unlocked:         n <= sess.HighestUnlocked,
	}
	if rec, ok := sess.Records[def.Name]; ok {
		summary.Status = rec.Status
		summary.PhaseScore = rec.Metrics.PhaseScore
	}
	return summary
}
