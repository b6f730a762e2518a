package models

import (
	"time"
)

// SessionStage represents where the team is in the overall run
type SessionStage string

const (
	StageEntry     SessionStage = "entry"     // No session yet, team code screen
	StagePhases    SessionStage = "phases"    // Working through scored phases
	StageSynthesis SessionStage = "synthesis" // All phases done, curating the image prompt
	StageComplete  SessionStage = "complete"  // Final artifact submitted
)

// TokenUsage splits token accounting between user payload and AI internals
type TokenUsage struct {
	Payload int `json:"payload"`
	AI      int `json:"ai"`
}

// Total returns the combined token count
func (t TokenUsage) Total() int {
	return t.Payload + t.AI
}

// Add merges another usage additively
func (t TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Payload: t.Payload + other.Payload,
		AI:      t.AI + other.AI,
	}
}

// PromptDraft is a synthesized image prompt and when it was produced
type PromptDraft struct {
	Prompt      string    `json:"prompt"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FinalOutput holds the submitted image artifact
type FinalOutput struct {
	ImagePrompt string     `json:"image_prompt,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

// Session represents one team's run through the challenge
type Session struct {
	ID              string                  `json:"id"`
	TeamID          string                  `json:"team_id"`
	Usecase         Usecase                 `json:"usecase"`
	Phases          Catalog                 `json:"phases"`
	Records         map[string]*PhaseRecord `json:"records"` // keyed by phase name
	Rules           ScoringRules            `json:"rules"`
	Stage           SessionStage            `json:"stage"`
	CurrentPhase    int                     `json:"current_phase"`
	HighestUnlocked int                     `json:"highest_unlocked"`
	TotalScore      float64                 `json:"total_score"`
	PhaseScores     map[string]float64      `json:"phase_scores"`
	IsComplete      bool                    `json:"is_complete"`
	Tokens          TokenUsage              `json:"tokens"`
	Prompt          *PromptDraft            `json:"prompt,omitempty"`
	FinalOutput     FinalOutput             `json:"final_output"`
	CreatedAt       time.Time               `json:"created_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// Record returns the phase record for a phase number, if one exists
func (s *Session) Record(number int) (*PhaseRecord, bool) {
	def, ok := s.Phases[number]
	if !ok {
		return nil, false
	}
	rec, ok := s.Records[def.Name]
	return rec, ok
}

// AllPassed returns true if every defined phase has a passed record
func (s *Session) AllPassed() bool {
	if len(s.Phases) == 0 {
		return false
	}
	for _, def := range s.Phases {
		rec, ok := s.Records[def.Name]
		if !ok || rec.Status != PhasePassed {
			return false
		}
	}
	return true
}

// LatestCompletion returns the most recent phase completion time
func (s *Session) LatestCompletion() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, rec := range s.Records {
		if rec.CompletedAt == nil {
			continue
		}
		if !found || rec.CompletedAt.After(latest) {
			latest = *rec.CompletedAt
			found = true
		}
	}
	return latest, found
}

// IsFinalPhase returns true if n is the last phase of the catalog
func (s *Session) IsFinalPhase(n int) bool {
	return n == s.Phases.Last()
}
