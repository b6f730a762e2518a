package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Usecase is the scenario assigned to a team for the whole session
type Usecase struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Question is a single prompt inside a phase
type Question struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Criteria    string  `json:"criteria,omitempty"`
	Hint        string  `json:"hint,omitempty"`
	HintPenalty float64 `json:"hint_penalty"` // points deducted when the hint is revealed
}

// UnmarshalJSON applies DefaultHintPenalty when the question omits its own
func (q *Question) UnmarshalJSON(data []byte) error {
	type plain Question
	question := plain{HintPenalty: DefaultHintPenalty}
	if err := json.Unmarshal(data, &question); err != nil {
		return err
	}
	*q = Question(question)
	return nil
}

// PhaseDefinition describes one scored stage of the challenge
type PhaseDefinition struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Weight           float64    `json:"weight"`             // share of the 1000-point total
	TimeLimitSeconds int        `json:"time_limit_seconds"` // soft limit, overtime is penalized
	Questions        []Question `json:"questions"`
}

// Catalog is the ordered phase set of a usecase, keyed by phase number
type Catalog map[int]PhaseDefinition

// Numbers returns the phase numbers in ascending order
func (c Catalog) Numbers() []int {
	nums := make([]int, 0, len(c))
	for n := range c {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Last returns the highest phase number (0 for an empty catalog)
func (c Catalog) Last() int {
	last := 0
	for n := range c {
		if n > last {
			last = n
		}
	}
	return last
}

// NumberOf resolves a phase name back to its number
func (c Catalog) NumberOf(name string) (int, bool) {
	for n, def := range c {
		if def.Name == name {
			return n, true
		}
	}
	return 0, false
}

// ScoringRules carries the scoring constants announced by the backend at init.
// Fields absent from the payload keep the values from DefaultScoringRules.
type ScoringRules struct {
	MaxAIPoints            float64 `json:"max_ai_points"`
	RetryPenaltyPoints     float64 `json:"retry_penalty"`
	TimePenaltyMax         float64 `json:"time_penalty_max"` // 0 disables the cap
	EfficiencyBonusPercent float64 `json:"efficiency_bonus_percent"`
	OptimalTokenMin        int     `json:"optimal_token_min"`
	OptimalTokenMax        int     `json:"optimal_token_max"`
	PassThreshold          float64 `json:"pass_threshold"`
	MercyThreshold         float64 `json:"mercy_threshold"`
	MercyRetryCount        int     `json:"mercy_retry_count"`
	MaxRetries             int     `json:"max_retries"`
}

// MaxTotalScore is the ceiling of the cumulative session score
const MaxTotalScore = 1000

// DefaultHintPenalty applies to questions that do not announce their own
const DefaultHintPenalty = 50

// DefaultScoringRules returns the constants used when the backend omits a field
func DefaultScoringRules() ScoringRules {
	return ScoringRules{
		MaxAIPoints:            1000,
		RetryPenaltyPoints:     50,
		TimePenaltyMax:         150,
		EfficiencyBonusPercent: 0.05,
		OptimalTokenMin:        100,
		OptimalTokenMax:        600,
		PassThreshold:          0.65,
		MercyThreshold:         0.45,
		MercyRetryCount:        2,
		MaxRetries:             3,
	}
}

// UnmarshalJSON decodes on top of the defaults so partial payloads stay usable.
// The evaluator announces the bonus as "efficiency_bonus", either a percent
// string such as "5.0%" or a fraction; it wins over efficiency_bonus_percent.
func (r *ScoringRules) UnmarshalJSON(data []byte) error {
	type plain ScoringRules
	rules := plain(DefaultScoringRules())
	if err := json.Unmarshal(data, &rules); err != nil {
		return err
	}

	if bonus := gjson.GetBytes(data, "efficiency_bonus"); bonus.Exists() {
		v, err := parseBonus(bonus)
		if err != nil {
			return err
		}
		rules.EfficiencyBonusPercent = v
	}

	*r = ScoringRules(rules)
	return nil
}

// parseBonus returns the efficiency bonus as a fraction of the AI points
func parseBonus(v gjson.Result) (float64, error) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), nil
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if pct, ok := strings.CutSuffix(s, "%"); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
			if err != nil {
				return 0, fmt.Errorf("efficiency_bonus %q: %w", s, err)
			}
			return f / 100, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("efficiency_bonus %q: %w", s, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("efficiency_bonus: unexpected %s", v.Type)
	}
}
