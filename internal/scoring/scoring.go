// Package scoring derives phase metrics from evaluator results. Every
// function is pure so scores can be recomputed from the authoritative inputs
// at any time and always give the same answer.
package scoring

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/terra-clan/pitchsync/internal/models"
)

const (
	timeBlockSeconds = 600 // penalty granularity: one started block of 10 minutes
	timeBlockPoints  = 10
	charsPerToken    = 4
)

// Input holds everything needed to score one attempt
type Input struct {
	AIScore          float64 // 0..1
	Weight           float64
	TimeLimitSeconds int
	DurationSeconds  float64
	Retries          int
	Responses        []models.Response
	Questions        []models.Question
	InputTokens      int
	OutputTokens     int
	StartTime        *time.Time
	EndTime          *time.Time
}

// Compute recomputes the full metrics block of an attempt
func Compute(in Input, rules models.ScoringRules) models.Metrics {
	payload := PayloadTokens(in.Responses)
	weighted := WeightedScore(in.AIScore, in.Weight, rules)

	m := models.Metrics{
		AIScore:         in.AIScore,
		WeightedScore:   weighted,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		DurationSeconds: in.DurationSeconds,
		Retries:         in.Retries,
		TokensUsed:      payload,
		InputTokens:     in.InputTokens,
		OutputTokens:    in.OutputTokens,
		TotalTokens:     in.InputTokens + in.OutputTokens,
		TimePenalty:     TimePenalty(in.DurationSeconds, in.TimeLimitSeconds, rules),
		RetryPenalty:    RetryPenalty(in.Retries, rules),
		HintPenalty:     HintPenalty(in.Responses, in.Questions),
		EfficiencyBonus: EfficiencyBonus(payload, weighted, rules),
	}
	m.PhaseScore = PhaseScore(m, MaxPhaseScore(in.Weight, rules))
	return m
}

// WeightedScore scales a 0..1 AI score to the phase's share of the total
func WeightedScore(ai, weight float64, rules models.ScoringRules) float64 {
	return clamp(ai, 0, 1) * rules.MaxAIPoints * weight
}

// MaxPhaseScore is the most a phase can contribute
func MaxPhaseScore(weight float64, rules models.ScoringRules) float64 {
	return rules.MaxAIPoints * weight
}

// PhaseScore combines the weighted score with bonus and penalties, clamped to [0, max]
func PhaseScore(m models.Metrics, max float64) float64 {
	score := m.WeightedScore + m.EfficiencyBonus - m.TimePenalty - m.RetryPenalty - m.HintPenalty
	return clamp(score, 0, max)
}

// TimePenalty charges timeBlockPoints per started block over the limit
func TimePenalty(durationSeconds float64, limitSeconds int, rules models.ScoringRules) float64 {
	if limitSeconds <= 0 || durationSeconds <= float64(limitSeconds) {
		return 0
	}

	over := durationSeconds - float64(limitSeconds)
	penalty := math.Ceil(over/timeBlockSeconds) * timeBlockPoints
	if rules.TimePenaltyMax > 0 && penalty > rules.TimePenaltyMax {
		return rules.TimePenaltyMax
	}
	return penalty
}

// RetryPenalty charges every attempt after the first
func RetryPenalty(retries int, rules models.ScoringRules) float64 {
	if retries <= 0 {
		return 0
	}
	return float64(retries) * rules.RetryPenaltyPoints
}

// HintPenalty sums the penalty of every question answered with its hint revealed.
// Responses are matched by question id, falling back to position.
func HintPenalty(responses []models.Response, questions []models.Question) float64 {
	byID := make(map[string]models.Question, len(questions))
	for _, q := range questions {
		if q.ID != "" {
			byID[q.ID] = q
		}
	}

	var total float64
	for i, r := range responses {
		if !r.HintUsed {
			continue
		}
		if q, ok := byID[r.QuestionID]; ok {
			total += q.HintPenalty
		} else if i < len(questions) {
			total += questions[i].HintPenalty
		} else {
			total += models.DefaultHintPenalty
		}
	}
	return total
}

// EfficiencyBonus rewards answers whose size lands in the optimal token window
func EfficiencyBonus(tokens int, weighted float64, rules models.ScoringRules) float64 {
	if tokens < rules.OptimalTokenMin || tokens > rules.OptimalTokenMax {
		return 0
	}
	return weighted * rules.EfficiencyBonusPercent
}

// PayloadTokens estimates the token size of the team's answers
func PayloadTokens(responses []models.Response) int {
	chars := 0
	for _, r := range responses {
		chars += utf8.RuneCountInString(r.Answer)
	}
	return chars / charsPerToken
}

// Passed decides the verdict. Teams that already retried enough pass on the
// lower mercy threshold.
func Passed(ai float64, retries int, rules models.ScoringRules) bool {
	if ai >= rules.PassThreshold {
		return true
	}
	return rules.MercyRetryCount > 0 && retries >= rules.MercyRetryCount && ai >= rules.MercyThreshold
}

// CanRetry reports whether another attempt is allowed
func CanRetry(retries int, rules models.ScoringRules) bool {
	return retries < rules.MaxRetries
}

// TotalScore sums phase scores, clamped to [0, MaxTotalScore]
func TotalScore(phaseScores map[string]float64) float64 {
	var sum float64
	for _, s := range phaseScores {
		sum += s
	}
	return clamp(sum, 0, models.MaxTotalScore)
}

// Tier returns the letter grade of a total score
func Tier(total float64) string {
	switch {
	case total >= 900:
		return "S"
	case total >= 800:
		return "A"
	case total >= 700:
		return "B"
	case total >= 500:
		return "C"
	default:
		return "D"
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
