// Package phase implements the per-phase lifecycle:
//
//	pending -> in_progress -> submitted -> passed | failed
//	failed  -> in_progress (retry, while retries < max)
//
// The session is only mutated after the backend confirmed an operation, so a
// failed call leaves every record exactly as it was.
package phase

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/terra-clan/pitchsync/internal/metrics"
	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/scoring"
	"github.com/terra-clan/pitchsync/internal/timer"
)

// Backend is the slice of the evaluator API the machine needs
type Backend interface {
	StartPhase(ctx context.Context, req models.StartPhaseRequest) (*models.StartPhaseResponse, error)
	SubmitPhase(ctx context.Context, req models.SubmitPhaseRequest) (*models.SubmitPhaseResponse, error)
}

// Entered describes the phase shown after a successful Start
type Entered struct {
	Number           int                `json:"number"`
	Name             string             `json:"name"`
	Status           models.PhaseStatus `json:"status"`
	Questions        []models.Question  `json:"questions"`
	TimeLimitSeconds int                `json:"time_limit_seconds"`
	Responses        []models.Response  `json:"responses,omitempty"`
	ElapsedSeconds   float64            `json:"elapsed_seconds"`
	ViewOnly         bool               `json:"view_only"` // evaluated phase, opened for review
}

// Outcome is the scored result of a submission
type Outcome struct {
	Number       int                `json:"number"`
	Phase        string             `json:"phase"`
	Status       models.PhaseStatus `json:"status"`
	Metrics      models.Metrics     `json:"metrics"`
	TotalScore   float64            `json:"total_score"`
	Feedback     string             `json:"feedback,omitempty"`
	Rationale    string             `json:"rationale,omitempty"`
	Strengths    []string           `json:"strengths,omitempty"`
	Improvements []string           `json:"improvements,omitempty"`
	Usage        models.Usage       `json:"usage"`
	CanRetry     bool               `json:"can_retry"`
	IsFinalPhase bool               `json:"is_final_phase"`
}

// Passed reports the verdict
func (o Outcome) Passed() bool {
	return o.Status == models.PhasePassed
}

// Machine drives phase transitions of one session
type Machine struct {
	backend Backend
	timer   *timer.Controller
	clock   timer.Clock
	lock    sync.Locker
	metrics *metrics.Recorder
	loading atomic.Bool
}

// Option configures the machine
type Option func(*Machine)

// WithLocker makes every session mutation run while holding l
func WithLocker(l sync.Locker) Option {
	return func(m *Machine) {
		m.lock = l
	}
}

// WithClock sets the clock used for completion timestamps
func WithClock(clock timer.Clock) Option {
	return func(m *Machine) {
		m.clock = clock
	}
}

// WithMetrics attaches a metrics recorder
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(m *Machine) {
		m.metrics = recorder
	}
}

// New creates a phase machine
func New(backend Backend, t *timer.Controller, opts ...Option) *Machine {
	m := &Machine{
		backend: backend,
		timer:   t,
		clock:   timer.SystemClock(),
		lock:    noopLocker{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Loading reports whether a backend call is in flight
func (m *Machine) Loading() bool {
	return m.loading.Load()
}

// Timer returns the phase timer
func (m *Machine) Timer() *timer.Controller {
	return m.timer
}

// Start enters phase n. If another phase is active it is parked: its elapsed
// time and draft answers travel in the same request.
func (m *Machine) Start(ctx context.Context, sess *models.Session, n int, drafts []models.Response) (*Entered, error) {
	def, ok := sess.Phases[n]
	if !ok {
		return nil, ErrUnknownPhase
	}
	if n > sess.HighestUnlocked {
		return nil, ErrPhaseLocked
	}
	if !m.loading.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer m.loading.Store(false)

	req := models.StartPhaseRequest{SessionID: sess.ID, PhaseNumber: n}

	reentering := sess.CurrentPhase == n
	leaving, parked := m.leavingRecord(sess, n)
	if parked {
		elapsed := m.timer.Pause()
		number := sess.CurrentPhase
		req.LeavingPhaseNumber = &number
		req.LeavingPhaseElapsedSeconds = &elapsed
		req.LeavingPhaseResponses = cloneResponses(drafts)
	}

	resp, err := m.backend.StartPhase(ctx, req)
	if err != nil {
		if parked {
			m.timer.Resume()
		}
		slog.Warn("failed to start phase", "session_id", sess.ID, "phase", n, "error", err)
		return nil, err
	}

	var entered *Entered
	m.commit(func() {
		if parked {
			leaving.Responses = cloneResponses(drafts)
		}

		if len(resp.Questions) > 0 {
			def.Questions = resp.Questions
		}
		if resp.TimeLimitSeconds > 0 {
			def.TimeLimitSeconds = resp.TimeLimitSeconds
		}
		sess.Phases[n] = def

		if sess.Records == nil {
			sess.Records = make(map[string]*models.PhaseRecord)
		}
		rec, exists := sess.Records[def.Name]
		if !exists {
			rec = models.NewPhaseRecord(def.ID)
			sess.Records[def.Name] = rec
		}

		viewOnly := false
		switch rec.Status {
		case models.PhasePending:
			rec.Status = models.PhaseInProgress
			started := resp.StartedAt
			if started.IsZero() {
				started = m.clock.Now()
			}
			rec.Metrics.StartTime = &started
			if len(resp.PreviousResponses) > 0 {
				rec.Responses = cloneResponses(resp.PreviousResponses)
			}
			m.timer.Start(timer.FreshStart, startInfo(resp))
		case models.PhaseInProgress:
			if len(resp.PreviousResponses) > 0 {
				rec.Responses = cloneResponses(resp.PreviousResponses)
			}
			info := startInfo(resp)
			// re-entering the active phase keeps the live clock when it is ahead
			if local := m.timer.ElapsedSeconds(); reentering && local > info.Elapsed {
				info = timer.StartInfo{Elapsed: local}
			}
			m.timer.Start(timer.Resume, info)
		default:
			// evaluated phase: show its recorded duration on a stopped clock
			viewOnly = true
			m.timer.Start(timer.Resume, timer.StartInfo{Elapsed: rec.Metrics.DurationSeconds})
			m.timer.Pause()
		}

		sess.CurrentPhase = n
		sess.Stage = models.StagePhases

		entered = &Entered{
			Number:           n,
			Name:             def.Name,
			Status:           rec.Status,
			Questions:        def.Questions,
			TimeLimitSeconds: def.TimeLimitSeconds,
			Responses:        cloneResponses(rec.Responses),
			ElapsedSeconds:   m.timer.ElapsedSeconds(),
			ViewOnly:         viewOnly,
		}
	})

	slog.Info("phase entered",
		"session_id", sess.ID,
		"phase", def.Name,
		"status", entered.Status,
		"view_only", entered.ViewOnly,
	)
	return entered, nil
}

// Submit sends the answers of the active phase for evaluation and scores them
func (m *Machine) Submit(ctx context.Context, sess *models.Session, responses []models.Response) (*Outcome, error) {
	n := sess.CurrentPhase
	def, ok := sess.Phases[n]
	if !ok {
		return nil, ErrUnknownPhase
	}
	rec, ok := sess.Records[def.Name]
	if !ok || !rec.Status.CanSubmit() {
		return nil, ErrInvalidTransition
	}
	if !m.loading.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer m.loading.Store(false)

	duration := m.timer.ElapsedSeconds()
	answers := cloneResponses(responses)

	resp, err := m.backend.SubmitPhase(ctx, models.SubmitPhaseRequest{
		SessionID:        sess.ID,
		PhaseName:        def.Name,
		Responses:        answers,
		TimeTakenSeconds: duration,
	})
	if err != nil {
		slog.Warn("failed to submit phase", "session_id", sess.ID, "phase", def.Name, "error", err)
		return nil, err
	}

	end := m.clock.Now()
	retries := rec.Metrics.Retries
	metricsBlock := scoring.Compute(scoring.Input{
		AIScore:          resp.AIScore,
		Weight:           def.Weight,
		TimeLimitSeconds: def.TimeLimitSeconds,
		DurationSeconds:  duration,
		Retries:          retries,
		Responses:        answers,
		Questions:        def.Questions,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		StartTime:        rec.Metrics.StartTime,
		EndTime:          &end,
	}, sess.Rules)

	status := models.PhaseFailed
	if scoring.Passed(resp.AIScore, retries, sess.Rules) {
		status = models.PhasePassed
	}

	if resp.Passed != (status == models.PhasePassed) || math.Abs(resp.PhaseScore-metricsBlock.PhaseScore) > 0.5 {
		slog.Debug("local score differs from server",
			"phase", def.Name,
			"local_score", metricsBlock.PhaseScore,
			"server_score", resp.PhaseScore,
			"local_passed", status == models.PhasePassed,
			"server_passed", resp.Passed,
		)
	}

	outcome := &Outcome{
		Number:       n,
		Phase:        def.Name,
		Status:       status,
		Metrics:      metricsBlock,
		Feedback:     resp.Feedback,
		Rationale:    resp.Rationale,
		Strengths:    resp.Strengths,
		Improvements: resp.Improvements,
		Usage:        resp.Usage,
		CanRetry:     status == models.PhaseFailed && scoring.CanRetry(retries, sess.Rules),
		IsFinalPhase: sess.IsFinalPhase(n),
	}

	m.commit(func() {
		m.timer.Pause()

		if rec.Metrics.Attempted() {
			rec.History = append(rec.History, rec.Metrics)
		}
		rec.Metrics = metricsBlock
		rec.Responses = answers
		rec.Status = status
		rec.Feedback = resp.Feedback
		rec.Rationale = resp.Rationale
		rec.Strengths = resp.Strengths
		rec.Improvements = resp.Improvements
		if status == models.PhasePassed {
			rec.CompletedAt = &end
		}

		if sess.PhaseScores == nil {
			sess.PhaseScores = make(map[string]float64)
		}
		sess.PhaseScores[def.Name] = metricsBlock.PhaseScore
		sess.TotalScore = scoring.TotalScore(sess.PhaseScores)
		sess.IsComplete = sess.AllPassed()

		outcome.TotalScore = sess.TotalScore
	})

	m.metrics.ObserveSubmission(def.Name, string(status))
	slog.Info("phase evaluated",
		"session_id", sess.ID,
		"phase", def.Name,
		"status", status,
		"ai_score", resp.AIScore,
		"phase_score", metricsBlock.PhaseScore,
		"retries", retries,
	)
	return outcome, nil
}

// Retry moves a failed phase back to in_progress. It is a local transition:
// the failed attempt moves to History and the next Submit carries the
// incremented retry count.
func (m *Machine) Retry(sess *models.Session) error {
	def, ok := sess.Phases[sess.CurrentPhase]
	if !ok {
		return ErrUnknownPhase
	}
	rec, ok := sess.Records[def.Name]
	if !ok || rec.Status != models.PhaseFailed {
		return ErrInvalidTransition
	}
	if !scoring.CanRetry(rec.Metrics.Retries, sess.Rules) {
		return ErrRetryLimit
	}
	if !m.loading.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.loading.Store(false)

	m.commit(func() {
		// the failed attempt is archived as evaluated, the new one carries the count
		rec.History = append(rec.History, rec.Metrics)
		rec.Metrics = models.Metrics{
			Retries:   rec.Metrics.Retries + 1,
			StartTime: rec.Metrics.StartTime,
		}
		rec.Responses = nil
		rec.Status = models.PhaseInProgress
		m.timer.Restart()
	})

	slog.Info("phase retry", "session_id", sess.ID, "phase", def.Name, "retries", rec.Metrics.Retries)
	return nil
}

// leavingRecord returns the record of the active phase when entering n parks it
func (m *Machine) leavingRecord(sess *models.Session, n int) (*models.PhaseRecord, bool) {
	if sess.CurrentPhase == 0 || sess.CurrentPhase == n {
		return nil, false
	}
	rec, ok := sess.Record(sess.CurrentPhase)
	if !ok || rec.Status != models.PhaseInProgress {
		return nil, false
	}
	return rec, true
}

func (m *Machine) commit(apply func()) {
	m.lock.Lock()
	defer m.lock.Unlock()
	apply()
}

func startInfo(resp *models.StartPhaseResponse) timer.StartInfo {
	info := timer.StartInfo{StartedAt: resp.StartedAt, Elapsed: resp.ElapsedSeconds}
	if resp.CurrentServerTime != nil {
		info.ServerNow = *resp.CurrentServerTime
	}
	return info
}

func cloneResponses(in []models.Response) []models.Response {
	if in == nil {
		return nil
	}
	out := make([]models.Response, len(in))
	copy(out, in)
	return out
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}
