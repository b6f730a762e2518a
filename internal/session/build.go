package session

import (
	"time"

	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/scoring"
)

// buildSession turns an init response into local session state
func buildSession(teamID string, resp *models.InitSessionResponse, now time.Time) *models.Session {
	sess := &models.Session{
		ID:          resp.SessionID,
		TeamID:      teamID,
		Usecase:     resp.Usecase,
		Phases:      make(models.Catalog, len(resp.Phases)),
		Records:     make(map[string]*models.PhaseRecord, len(resp.PhaseData)),
		PhaseScores: make(map[string]float64, len(resp.PhaseScores)),
		Rules:       resp.ScoringInfo,
		CreatedAt:   now,
	}

	// scoring_info absent altogether
	if sess.Rules == (models.ScoringRules{}) {
		sess.Rules = models.DefaultScoringRules()
	}

	for n, def := range resp.Phases {
		sess.Phases[n] = def
	}
	for name, rec := range resp.PhaseData {
		if rec == nil {
			continue
		}
		if rec.Status == "" {
			rec.Status = models.PhasePending
		}
		sess.Records[name] = rec
	}

	for name, score := range resp.PhaseScores {
		sess.PhaseScores[name] = score
	}
	for name, rec := range sess.Records {
		if _, ok := sess.PhaseScores[name]; !ok && rec.Metrics.Attempted() {
			sess.PhaseScores[name] = rec.Metrics.PhaseScore
		}
	}
	sess.TotalScore = scoring.TotalScore(sess.PhaseScores)
	sess.IsComplete = sess.AllPassed()

	sess.CurrentPhase = resp.CurrentPhase
	if _, ok := sess.Phases[sess.CurrentPhase]; !ok {
		if nums := sess.Phases.Numbers(); len(nums) > 0 {
			sess.CurrentPhase = nums[0]
		}
	}
	sess.HighestUnlocked = highestUnlocked(sess)

	// payload tokens are counted per attempt; AI tokens add the synthesis calls
	for _, rec := range sess.Records {
		sess.Tokens = sess.Tokens.Add(models.TokenUsage{
			Payload: rec.Metrics.TokensUsed,
			AI:      rec.Metrics.TotalTokens,
		})
	}
	sess.Tokens.AI += resp.ExtraAITokens

	if resp.FinalOutput != nil {
		sess.FinalOutput = *resp.FinalOutput
		if sess.FinalOutput.ImagePrompt != "" {
			generated := now
			if sess.FinalOutput.GeneratedAt != nil {
				generated = *sess.FinalOutput.GeneratedAt
			}
			sess.Prompt = &models.PromptDraft{Prompt: sess.FinalOutput.ImagePrompt, GeneratedAt: generated}
		}
	}

	switch {
	case sess.FinalOutput.ImageURL != "":
		sess.Stage = models.StageComplete
		sess.CompletedAt = sess.FinalOutput.GeneratedAt
	case sess.IsComplete:
		sess.Stage = models.StageSynthesis
	default:
		sess.Stage = models.StagePhases
	}

	return sess
}

// highestUnlocked is the current phase or the one after the last passed phase,
// whichever is further
func highestUnlocked(sess *models.Session) int {
	highest := sess.CurrentPhase
	nums := sess.Phases.Numbers()
	for i, n := range nums {
		rec, ok := sess.Record(n)
		if !ok || rec.Status != models.PhasePassed {
			continue
		}
		next := n
		if i+1 < len(nums) {
			next = nums[i+1]
		}
		if next > highest {
			highest = next
		}
	}
	return highest
}
