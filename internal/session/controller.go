// Package session owns the state of one team's run and serializes every
// operation on it. Readers get deep copies; writers go through a single
// in-flight guard and mutate only after the backend confirmed a change.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/singleflight"

	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/metrics"
	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/phase"
	"github.com/terra-clan/pitchsync/internal/scoring"
	"github.com/terra-clan/pitchsync/internal/timer"
)

// DefaultStaleBuffer is the grace period between a prompt's generation and a
// phase completion before the prompt is considered outdated
const DefaultStaleBuffer = 5 * time.Second

// Backend is the evaluator API used by the controller
type Backend interface {
	phase.Backend
	InitSession(ctx context.Context, req models.InitSessionRequest) (*models.InitSessionResponse, error)
	CheckSession(ctx context.Context, teamID string) (*models.CheckSessionResponse, error)
	CuratePrompt(ctx context.Context, req models.CuratePromptRequest) (*models.CuratePromptResponse, error)
	SubmitPitchImage(ctx context.Context, sessionID, prompt, filename string, image io.Reader) (*models.SubmitPitchImageResponse, error)
}

// Action is the choice made on the feedback screen
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionRetry    Action = "RETRY"
)

// Event names passed to the notifier
const (
	EventInitialized = "session_initialized"
	EventReset       = "session_reset"
	EventPhase       = "phase_entered"
	EventEvaluated   = "phase_evaluated"
	EventAdvanced    = "session_advanced"
	EventPrompt      = "prompt_curated"
	EventCompleted   = "session_completed"
)

// Notifier receives state change events
type Notifier func(event string, data any)

// Status is a lightweight view for polling clients
type Status struct {
	Active       bool                `json:"active"`
	SessionID    string              `json:"session_id,omitempty"`
	TeamID       string              `json:"team_id,omitempty"`
	Stage        models.SessionStage `json:"stage"`
	CurrentPhase int                 `json:"current_phase"`
	TotalScore   float64             `json:"total_score"`
	Tier         string              `json:"tier"`
	Loading      bool                `json:"loading"`
	Timer        timer.Snapshot      `json:"timer"`
	Tokens       models.TokenUsage   `json:"tokens"`
}

// Controller coordinates the session, the phase machine and the backend
type Controller struct {
	backend     Backend
	auth        auth.Provider
	team        *auth.TeamContext
	timer       *timer.Controller
	clock       timer.Clock
	machine     *phase.Machine
	metrics     *metrics.Recorder
	notify      Notifier
	staleBuffer time.Duration

	group singleflight.Group
	busy  atomic.Bool

	initMu      sync.Mutex
	initialized map[string]bool

	mu      sync.RWMutex // guards session
	session *models.Session
}

// Option configures the controller
type Option func(*Controller)

// WithClock sets the clock of the controller and its phase timer
func WithClock(clock timer.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithTeamContext shares the authenticated team identity
func WithTeamContext(team *auth.TeamContext) Option {
	return func(c *Controller) {
		c.team = team
	}
}

// WithStaleBuffer overrides DefaultStaleBuffer
func WithStaleBuffer(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.staleBuffer = d
		}
	}
}

// WithNotifier registers a state change listener
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notify = n
	}
}

// WithMetrics attaches a metrics recorder
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Controller) {
		c.metrics = recorder
	}
}

// NewController creates a session controller
func NewController(backend Backend, provider auth.Provider, opts ...Option) *Controller {
	c := &Controller{
		backend:     backend,
		auth:        provider,
		staleBuffer: DefaultStaleBuffer,
		initialized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.clock == nil {
		c.clock = timer.SystemClock()
	}
	if c.team == nil {
		c.team = auth.NewTeamContext("")
	}
	c.timer = timer.NewWithClock(c.clock)
	c.machine = phase.New(backend, c.timer,
		phase.WithLocker(&c.mu),
		phase.WithClock(c.clock),
		phase.WithMetrics(c.metrics),
	)
	return c
}

// Team returns the authenticated team context
func (c *Controller) Team() *auth.TeamContext {
	return c.team
}

// CheckSession asks the backend whether a team already has a session
func (c *Controller) CheckSession(ctx context.Context, teamID string) (*models.CheckSessionResponse, error) {
	teamID = normalizeTeam(teamID)
	if teamID == "" {
		return nil, ErrInvalidTeam
	}
	return c.backend.CheckSession(ctx, teamID)
}

// InitFromTeamCode creates or resumes the session of a team. A non-empty
// usecaseID asks the backend for that scenario; empty leaves the choice to
// the backend. Concurrent calls for the same team and usecase share one
// backend call; once initialized, later calls are answered locally.
func (c *Controller) InitFromTeamCode(ctx context.Context, teamID, usecaseID string) (*models.Session, error) {
	teamID = normalizeTeam(teamID)
	if teamID == "" {
		return nil, ErrInvalidTeam
	}
	usecaseID = strings.TrimSpace(usecaseID)
	if c.auth != nil && !c.auth.Authorized(ctx) {
		return nil, ErrNotAuthorized
	}

	if c.isInitialized(teamID) && c.hasSessionFor(teamID, usecaseID) {
		return c.Snapshot()
	}

	_, err, shared := c.group.Do(teamID+"/"+usecaseID, func() (any, error) {
		return nil, c.initialize(ctx, teamID, usecaseID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("session init shared", "team_id", teamID, "usecase_id", usecaseID)
	}
	return c.Snapshot()
}

func (c *Controller) initialize(ctx context.Context, teamID, usecaseID string) error {
	if c.isInitialized(teamID) && c.hasSessionFor(teamID, usecaseID) {
		return nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	c.markInitialized(teamID, true)

	resp, err := c.backend.InitSession(ctx, models.InitSessionRequest{TeamID: teamID, UsecaseID: usecaseID})
	if err != nil {
		c.markInitialized(teamID, false)
		slog.Error("failed to initialize session", "team_id", teamID, "usecase_id", usecaseID, "error", err)
		return err
	}

	sess := buildSession(teamID, resp, c.clock.Now())

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	c.team.Set(teamID)
	c.timer.Reset()

	slog.Info("session initialized",
		"session_id", sess.ID,
		"team_id", teamID,
		"usecase_id", sess.Usecase.ID,
		"stage", sess.Stage,
		"current_phase", sess.CurrentPhase,
		"phases", len(sess.Phases),
	)

	// pick the clock back up if the team left mid-phase
	if rec, ok := sess.Record(sess.CurrentPhase); ok && rec.Status == models.PhaseInProgress {
		if _, err := c.machine.Start(ctx, sess, sess.CurrentPhase, nil); err != nil {
			slog.Warn("failed to restore active phase", "session_id", sess.ID, "phase", sess.CurrentPhase, "error", err)
		}
	}

	c.emit(EventInitialized, sess.ID)
	return nil
}

// Resume re-synchronizes with the authenticated team. A team mismatch resets
// local state and initializes the current team instead.
func (c *Controller) Resume(ctx context.Context) (*models.Session, error) {
	current := normalizeTeam(c.team.Current())

	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil {
		if current == "" {
			return nil, ErrNoSession
		}
		return c.InitFromTeamCode(ctx, current, "")
	}

	if current != "" && current != sess.TeamID {
		slog.Warn("session team mismatch, reinitializing",
			"session_team_id", sess.TeamID,
			"auth_team_id", current,
		)
		c.ResetToStart()
		return c.InitFromTeamCode(ctx, current, "")
	}

	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	rec, ok := sess.Record(sess.CurrentPhase)
	if ok && rec.Status == models.PhaseInProgress {
		if _, err := c.machine.Start(ctx, sess, sess.CurrentPhase, rec.Responses); err != nil {
			c.busy.Store(false)
			return nil, err
		}
	}
	c.busy.Store(false)

	return c.Snapshot()
}

// StartPhase enters phase n, parking the active phase with its drafts
func (c *Controller) StartPhase(ctx context.Context, n int, drafts []models.Response) (*phase.Entered, error) {
	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	entered, err := c.machine.Start(ctx, sess, n, drafts)
	if err != nil {
		return nil, err
	}
	c.emit(EventPhase, entered)
	return entered, nil
}

// SubmitPhase evaluates the active phase and merges the reported token usage
func (c *Controller) SubmitPhase(ctx context.Context, responses []models.Response) (*phase.Outcome, error) {
	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	outcome, err := c.machine.Submit(ctx, sess, responses)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sess.Tokens = sess.Tokens.Add(models.TokenUsage{
		Payload: outcome.Metrics.TokensUsed,
		AI:      outcome.Usage.Total(),
	})
	c.mu.Unlock()

	c.emit(EventEvaluated, outcome)
	return outcome, nil
}

// HandleFeedbackAction applies the choice made after an evaluation
func (c *Controller) HandleFeedbackAction(ctx context.Context, action Action) (*models.Session, error) {
	switch action {
	case ActionContinue, ActionRetry:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}

	if action == ActionRetry {
		err = c.machine.Retry(sess)
	} else {
		err = c.advance(sess)
	}
	release()
	if err != nil {
		return nil, err
	}

	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	c.emit(EventAdvanced, snap.Stage)
	return snap, nil
}

// advance handles CONTINUE. A phase may be left once passed or once its
// retries are used up.
func (c *Controller) advance(sess *models.Session) error {
	rec, ok := sess.Record(sess.CurrentPhase)
	if !ok {
		return ErrCannotProceed
	}
	exhausted := rec.Status == models.PhaseFailed && !scoring.CanRetry(rec.Metrics.Retries, sess.Rules)
	if rec.Status != models.PhasePassed && !exhausted {
		return ErrCannotProceed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sess.IsFinalPhase(sess.CurrentPhase) {
		sess.Stage = models.StageSynthesis
		slog.Info("all phases done, entering synthesis", "session_id", sess.ID, "total_score", sess.TotalScore)
		return nil
	}

	sess.CurrentPhase = nextPhase(sess.Phases, sess.CurrentPhase)
	if sess.CurrentPhase > sess.HighestUnlocked {
		sess.HighestUnlocked = sess.CurrentPhase
	}
	slog.Info("phase unlocked", "session_id", sess.ID, "phase", sess.CurrentPhase)
	return nil
}

// CuratePrompt returns the image prompt, synthesizing it when none is cached
// or the cached one predates the latest phase completion
func (c *Controller) CuratePrompt(ctx context.Context) (*models.PromptDraft, error) {
	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if sess.Stage != models.StageSynthesis && sess.Stage != models.StageComplete {
		return nil, ErrNotReady
	}

	if sess.Prompt != nil && !c.isStale(sess, sess.Prompt) {
		draft := *sess.Prompt
		return &draft, nil
	}
	if sess.Prompt != nil {
		slog.Info("cached prompt is stale, regenerating", "session_id", sess.ID, "generated_at", sess.Prompt.GeneratedAt)
	}

	return c.curate(ctx, sess, models.CuratePromptRequest{SessionID: sess.ID})
}

// RegeneratePrompt refines the prompt with notes and the conversation so far
func (c *Controller) RegeneratePrompt(ctx context.Context, notes string, history []models.ChatTurn) (*models.PromptDraft, error) {
	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if sess.Stage != models.StageSynthesis && sess.Stage != models.StageComplete {
		return nil, ErrNotReady
	}

	return c.curate(ctx, sess, models.CuratePromptRequest{
		SessionID:       sess.ID,
		AdditionalNotes: strings.TrimSpace(notes),
		History:         history,
	})
}

func (c *Controller) curate(ctx context.Context, sess *models.Session, req models.CuratePromptRequest) (*models.PromptDraft, error) {
	resp, err := c.backend.CuratePrompt(ctx, req)
	if err != nil {
		slog.Warn("failed to curate prompt", "session_id", sess.ID, "error", err)
		return nil, err
	}

	draft := models.PromptDraft{Prompt: resp.CuratedPrompt, GeneratedAt: c.clock.Now()}

	c.mu.Lock()
	sess.Prompt = &draft
	sess.Tokens = sess.Tokens.Add(models.TokenUsage{AI: resp.Usage.Total()})
	c.mu.Unlock()

	c.emit(EventPrompt, draft)
	return &draft, nil
}

// SubmitFinalArtifact uploads the image made from the prompt and completes the
// session. An empty prompt falls back to the cached one.
func (c *Controller) SubmitFinalArtifact(ctx context.Context, prompt, filename string, image io.Reader) (*models.Session, error) {
	sess, release, err := c.acquire()
	if err != nil {
		return nil, err
	}

	if sess.Stage != models.StageSynthesis {
		release()
		return nil, ErrNotReady
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" && sess.Prompt != nil {
		prompt = sess.Prompt.Prompt
	}
	if prompt == "" {
		release()
		return nil, ErrNoPrompt
	}

	resp, err := c.backend.SubmitPitchImage(ctx, sess.ID, prompt, filename, image)
	if err != nil {
		release()
		slog.Warn("failed to submit final artifact", "session_id", sess.ID, "error", err)
		return nil, err
	}

	now := c.clock.Now()
	c.mu.Lock()
	used := resp.PromptUsed
	if used == "" {
		used = prompt
	}
	sess.FinalOutput = models.FinalOutput{ImagePrompt: used, ImageURL: resp.ImageURL, GeneratedAt: &now}
	sess.Stage = models.StageComplete
	sess.CompletedAt = &now
	c.mu.Unlock()
	release()

	if math.Abs(resp.TotalScore-sess.TotalScore) > 0.5 {
		slog.Debug("local total differs from server", "local_total", sess.TotalScore, "server_total", resp.TotalScore)
	}
	slog.Info("session completed", "session_id", sess.ID, "image_url", resp.ImageURL, "total_score", sess.TotalScore)

	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	c.emit(EventCompleted, snap.ID)
	return snap, nil
}

// ResetToStart drops all local state and returns to the entry screen
func (c *Controller) ResetToStart() {
	c.mu.Lock()
	var teamID string
	if c.session != nil {
		teamID = c.session.TeamID
	}
	c.session = nil
	c.mu.Unlock()

	if teamID != "" {
		c.markInitialized(teamID, false)
	}
	c.timer.Reset()

	slog.Info("session reset", "team_id", teamID)
	c.emit(EventReset, teamID)
}

// Snapshot returns a deep copy of the session
func (c *Controller) Snapshot() (*models.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil, ErrNoSession
	}
	dup, err := copystructure.Copy(c.session)
	if err != nil {
		return nil, fmt.Errorf("failed to copy session: %w", err)
	}
	return dup.(*models.Session), nil
}

// Status returns a summary without copying the whole session
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Stage:   models.StageEntry,
		Loading: c.busy.Load() || c.machine.Loading(),
		Timer:   c.timer.Snapshot(),
		Tier:    scoring.Tier(0),
	}
	if c.session == nil {
		return st
	}

	st.Active = true
	st.SessionID = c.session.ID
	st.TeamID = c.session.TeamID
	st.Stage = c.session.Stage
	st.CurrentPhase = c.session.CurrentPhase
	st.TotalScore = c.session.TotalScore
	st.Tier = scoring.Tier(c.session.TotalScore)
	st.Tokens = c.session.Tokens
	return st
}

// acquire claims the operation guard and returns the live session
func (c *Controller) acquire() (*models.Session, func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}
	release := func() { c.busy.Store(false) }

	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil {
		release()
		return nil, nil, ErrNoSession
	}
	return sess, release, nil
}

func (c *Controller) isStale(sess *models.Session, draft *models.PromptDraft) bool {
	latest, ok := sess.LatestCompletion()
	return ok && latest.After(draft.GeneratedAt.Add(c.staleBuffer))
}

// hasSessionFor reports whether the local session belongs to the team and,
// when one is named, to the usecase
func (c *Controller) hasSessionFor(teamID, usecaseID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.session.TeamID != teamID {
		return false
	}
	return usecaseID == "" || c.session.Usecase.ID == usecaseID
}

func (c *Controller) isInitialized(teamID string) bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialized[teamID]
}

func (c *Controller) markInitialized(teamID string, v bool) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if v {
		c.initialized[teamID] = true
	} else {
		delete(c.initialized, teamID)
	}
}

func (c *Controller) emit(event string, data any) {
	if c.notify != nil {
		c.notify(event, data)
	}
}

func normalizeTeam(teamID string) string {
	return strings.ToUpper(strings.TrimSpace(teamID))
}

func nextPhase(catalog models.Catalog, current int) int {
	for _, n := range catalog.Numbers() {
		if n > current {
			return n
		}
	}
	return current
}
