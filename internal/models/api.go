package models

import (
	"time"
)

// Wire types exchanged with the evaluator backend.

// InitSessionRequest asks the backend for a fresh or resumed session
type InitSessionRequest struct {
	TeamID    string `json:"team_id"`
	UsecaseID string `json:"usecase_id,omitempty"`
	ThemeID   string `json:"theme_id,omitempty"`
}

// InitSessionResponse carries the session, its phase catalog and scoring constants
type InitSessionResponse struct {
	SessionID             string                  `json:"session_id"`
	Usecase               Usecase                 `json:"usecase"`
	Phases                Catalog                 `json:"phases"`
	ScoringInfo           ScoringRules            `json:"scoring_info"`
	CurrentPhase          int                     `json:"current_phase"`
	PhaseScores           map[string]float64      `json:"phase_scores,omitempty"`
	CurrentPhaseStartedAt *time.Time              `json:"current_phase_started_at,omitempty"`
	IsComplete            bool                    `json:"is_complete"`
	TotalTokens           int                     `json:"total_tokens"`
	ExtraAITokens         int                     `json:"extra_ai_tokens"`
	PhaseData             map[string]*PhaseRecord `json:"phase_data,omitempty"`
	FinalOutput           *FinalOutput            `json:"final_output,omitempty"`
	CurrentServerTime     *time.Time              `json:"current_server_time,omitempty"`
}

// CheckSessionResponse reports whether a team already has a session
type CheckSessionResponse struct {
	HasSession  bool         `json:"has_session"`
	IsComplete  bool         `json:"is_complete"`
	SessionInfo *SessionInfo `json:"session_info,omitempty"`
}

// SessionInfo summarizes an existing session
type SessionInfo struct {
	SessionID       string             `json:"session_id"`
	UsecaseID       string             `json:"usecase_id,omitempty"`
	UsecaseTitle    string             `json:"usecase_title"`
	CurrentPhase    int                `json:"current_phase"`
	TotalScore      float64            `json:"total_score"`
	PhasesCompleted int                `json:"phases_completed"`
	PhaseScores     map[string]float64 `json:"phase_scores,omitempty"`
}

// StartPhaseRequest starts or resumes a phase, optionally parking the outgoing one
type StartPhaseRequest struct {
	SessionID                  string     `json:"session_id"`
	PhaseNumber                int        `json:"phase_number"`
	LeavingPhaseNumber         *int       `json:"leaving_phase_number,omitempty"`
	LeavingPhaseElapsedSeconds *float64   `json:"leaving_phase_elapsed_seconds,omitempty"`
	LeavingPhaseResponses      []Response `json:"leaving_phase_responses,omitempty"`
}

// StartPhaseResponse returns the questions and server timing for a phase
type StartPhaseResponse struct {
	PhaseID           string     `json:"phase_id"`
	PhaseName         string     `json:"phase_name"`
	Questions         []Question `json:"questions"`
	TimeLimitSeconds  int        `json:"time_limit_seconds"`
	StartedAt         time.Time  `json:"started_at"`
	CurrentServerTime *time.Time `json:"current_server_time,omitempty"`
	PreviousResponses []Response `json:"previous_responses,omitempty"`
	ElapsedSeconds    float64    `json:"elapsed_seconds"`
}

// SubmitPhaseRequest sends answers for evaluation
type SubmitPhaseRequest struct {
	SessionID        string     `json:"session_id"`
	PhaseName        string     `json:"phase_name"`
	Responses        []Response `json:"responses"`
	TimeTakenSeconds float64    `json:"time_taken_seconds"`
}

// Usage is the AI token usage reported by a backend call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// SubmitPhaseResponse is the evaluator verdict for a submission
type SubmitPhaseResponse struct {
	Passed        bool     `json:"passed"`
	AIScore       float64  `json:"ai_score"`
	PhaseScore    float64  `json:"phase_score"`
	TotalScore    float64  `json:"total_score"`
	Feedback      string   `json:"feedback"`
	Rationale     string   `json:"rationale"`
	Strengths     []string `json:"strengths"`
	Improvements  []string `json:"improvements"`
	Usage         Usage    `json:"usage"`
	TotalTokens   int      `json:"total_tokens"`
	ExtraAITokens int      `json:"extra_ai_tokens"`
	CanProceed    bool     `json:"can_proceed"`
	IsFinalPhase  bool     `json:"is_final_phase"`
}

// ChatTurn is one message of a prompt refinement conversation
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CuratePromptRequest asks for a (re)synthesized image prompt
type CuratePromptRequest struct {
	SessionID       string     `json:"session_id"`
	AdditionalNotes string     `json:"additional_notes,omitempty"`
	History         []ChatTurn `json:"conversation_history,omitempty"`
}

// CuratePromptResponse carries the draft prompt
type CuratePromptResponse struct {
	SessionID     string `json:"session_id"`
	CuratedPrompt string `json:"curated_prompt"`
	UsecaseTitle  string `json:"usecase_title,omitempty"`
	Usage         Usage  `json:"usage"`
	ExtraAITokens int    `json:"extra_ai_tokens"`
	TotalTokens   int    `json:"total_tokens"`
}

// SubmitPitchImageResponse confirms the stored final artifact
type SubmitPitchImageResponse struct {
	ImageURL       string             `json:"image_url"`
	PromptUsed     string             `json:"prompt_used"`
	TotalScore     float64            `json:"total_score"`
	PhaseBreakdown map[string]float64 `json:"phase_breakdown,omitempty"`
	ExtraAITokens  int                `json:"extra_ai_tokens"`
	TotalTokens    int                `json:"total_tokens"`
}

// HealthStatus is the lightweight probe result
type HealthStatus struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

// Healthy returns true if the backend reports itself usable
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy" || h.Status == "online" || h.Status == "ok"
}

// Broadcast is an operator announcement shown to every team
type Broadcast struct {
	Message   string `json:"message"`
	Active    bool   `json:"active"`
	Timestamp int64  `json:"timestamp"`
	ID        int64  `json:"id"` // monotonic, newer announcements have larger ids
}
