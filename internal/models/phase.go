package models

import (
	"time"
)

// PhaseStatus represents the lifecycle state of one phase record
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseSubmitted  PhaseStatus = "submitted"
	PhasePassed     PhaseStatus = "passed"
	PhaseFailed     PhaseStatus = "failed"
)

// IsTerminal returns true once the record can no longer change
func (s PhaseStatus) IsTerminal() bool {
	return s == PhasePassed
}

// CanSubmit returns true if answers may be sent for evaluation
func (s PhaseStatus) CanSubmit() bool {
	return s == PhaseInProgress
}

// Response is one question/answer pair
type Response struct {
	Question   string `json:"q"`
	Answer     string `json:"a"`
	QuestionID string `json:"question_id,omitempty"`
	HintUsed   bool   `json:"hint_used"`
}

// Metrics is the scoring block derived for one attempt
type Metrics struct {
	AIScore         float64    `json:"ai_score"`
	WeightedScore   float64    `json:"weighted_score"`
	PhaseScore      float64    `json:"phase_score"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Retries         int        `json:"retries"`
	TokensUsed      int        `json:"tokens_used"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	TotalTokens     int        `json:"total_tokens"`
	TimePenalty     float64    `json:"time_penalty"`
	RetryPenalty    float64    `json:"retry_penalty"`
	HintPenalty     float64    `json:"hint_penalty"`
	EfficiencyBonus float64    `json:"efficiency_bonus"`
}

// Attempted returns true if the metrics belong to an evaluated attempt
func (m Metrics) Attempted() bool {
	return m.EndTime != nil
}

// PhaseRecord is the mutable state of one phase within a session
type PhaseRecord struct {
	PhaseID      string      `json:"phase_id"`
	Status       PhaseStatus `json:"status"`
	Responses    []Response  `json:"responses"`
	Metrics      Metrics     `json:"metrics"`
	Feedback     string      `json:"feedback,omitempty"`
	Rationale    string      `json:"rationale,omitempty"`
	Strengths    []string    `json:"strengths,omitempty"`
	Improvements []string    `json:"improvements,omitempty"`
	History      []Metrics   `json:"history,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// NewPhaseRecord creates a pending record for a phase
func NewPhaseRecord(phaseID string) *PhaseRecord {
	return &PhaseRecord{
		PhaseID: phaseID,
		Status:  PhasePending,
	}
}
