package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/phase"
	"github.com/terra-clan/pitchsync/internal/timer"
	"github.com/terra-clan/pitchsync/pkg/client"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu sync.Mutex

	initCalls   atomic.Int32
	curateCalls atomic.Int32
	initErrs    []error
	initBlock   chan struct{}
	startBlock  chan struct{}
	phaseData   map[string]*models.PhaseRecord
	catalog     models.Catalog
	aiScores    []float64
	curates     []models.CuratePromptRequest
	inits       []models.InitSessionRequest
	uploaded    string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		catalog: models.Catalog{
			1: {ID: "p1", Name: "Discovery", Weight: 0.5, TimeLimitSeconds: 600},
			2: {ID: "p2", Name: "Pitch", Weight: 0.5, TimeLimitSeconds: 600},
		},
	}
}

func (f *fakeBackend) InitSession(ctx context.Context, req models.InitSessionRequest) (*models.InitSessionResponse, error) {
	f.initCalls.Add(1)
	if f.initBlock != nil {
		<-f.initBlock
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, req)
	if len(f.initErrs) > 0 {
		err := f.initErrs[0]
		f.initErrs = f.initErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	usecase := models.Usecase{ID: "retail", Title: "Smart Retail"}
	if req.UsecaseID != "" {
		usecase = models.Usecase{ID: req.UsecaseID, Title: req.UsecaseID}
	}
	return &models.InitSessionResponse{
		SessionID:    "sess-" + req.TeamID,
		Usecase:      usecase,
		Phases:       f.catalog,
		ScoringInfo:  models.DefaultScoringRules(),
		CurrentPhase: 1,
		PhaseData:    f.phaseData,
	}, nil
}

func (f *fakeBackend) CheckSession(ctx context.Context, teamID string) (*models.CheckSessionResponse, error) {
	return &models.CheckSessionResponse{HasSession: true}, nil
}

func (f *fakeBackend) StartPhase(ctx context.Context, req models.StartPhaseRequest) (*models.StartPhaseResponse, error) {
	if f.startBlock != nil {
		<-f.startBlock
	}
	now := epoch
	return &models.StartPhaseResponse{StartedAt: epoch, CurrentServerTime: &now}, nil
}

func (f *fakeBackend) SubmitPhase(ctx context.Context, req models.SubmitPhaseRequest) (*models.SubmitPhaseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score := 0.9
	if len(f.aiScores) > 0 {
		score, f.aiScores = f.aiScores[0], f.aiScores[1:]
	}
	return &models.SubmitPhaseResponse{
		AIScore: score,
		Passed:  score >= 0.65,
		Usage:   models.Usage{InputTokens: 300, OutputTokens: 100},
	}, nil
}

func (f *fakeBackend) CuratePrompt(ctx context.Context, req models.CuratePromptRequest) (*models.CuratePromptResponse, error) {
	n := f.curateCalls.Add(1)
	f.mu.Lock()
	f.curates = append(f.curates, req)
	f.mu.Unlock()
	return &models.CuratePromptResponse{
		SessionID:     req.SessionID,
		CuratedPrompt: "a lighthouse over a market, draft " + string(rune('0'+n)),
		Usage:         models.Usage{InputTokens: 50, OutputTokens: 25},
	}, nil
}

func (f *fakeBackend) SubmitPitchImage(ctx context.Context, sessionID, prompt, filename string, image io.Reader) (*models.SubmitPitchImageResponse, error) {
	data, _ := io.ReadAll(image)
	f.mu.Lock()
	f.uploaded = string(data)
	f.mu.Unlock()
	return &models.SubmitPitchImageResponse{ImageURL: "/generated/" + filename, PromptUsed: prompt}, nil
}

func newController(backend *fakeBackend, opts ...Option) (*Controller, *timer.ManualClock) {
	clock := timer.NewManualClock(epoch)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewController(backend, auth.NewStatic("team-token"), opts...), clock
}

func TestInitConcurrentCallsShareOneRequest(t *testing.T) {
	backend := newFakeBackend()
	backend.initBlock = make(chan struct{})
	c, _ := newController(backend)

	var wg sync.WaitGroup
	results := make(chan *models.Session, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := c.InitFromTeamCode(context.Background(), " team-7 ", "")
			if err == nil {
				results <- sess
			}
		}()
	}

	require.Eventually(t, func() bool { return backend.initCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(backend.initBlock)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), backend.initCalls.Load())
	count := 0
	for sess := range results {
		count++
		assert.Equal(t, "TEAM-7", sess.TeamID)
	}
	assert.Equal(t, 5, count)

	// later calls are served locally
	_, err := c.InitFromTeamCode(context.Background(), "TEAM-7", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.initCalls.Load())
	assert.Equal(t, "TEAM-7", c.Team().Current())
}

func TestInitFailureReleasesGuard(t *testing.T) {
	backend := newFakeBackend()
	backend.initErrs = []error{&client.ApiError{Code: client.CodeNetwork, Message: "network unavailable", Retryable: true}}
	c, _ := newController(backend)

	_, err := c.InitFromTeamCode(context.Background(), "TEAM-7", "")
	apiErr, ok := client.AsApiError(err)
	require.True(t, ok)
	assert.Equal(t, client.CodeNetwork, apiErr.Code)

	sess, err := c.InitFromTeamCode(context.Background(), "TEAM-7", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-TEAM-7", sess.ID)
	assert.Equal(t, int32(2), backend.initCalls.Load())
}

func TestInitHonorsRequestedUsecase(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newController(backend)
	ctx := context.Background()

	sess, err := c.InitFromTeamCode(ctx, "TEAM-7", " fintech ")
	require.NoError(t, err)
	assert.Equal(t, "fintech", sess.Usecase.ID)

	// same or unspecified usecase is answered locally
	_, err = c.InitFromTeamCode(ctx, "TEAM-7", "fintech")
	require.NoError(t, err)
	_, err = c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.initCalls.Load())

	sess, err = c.InitFromTeamCode(ctx, "TEAM-7", "healthcare")
	require.NoError(t, err)
	assert.Equal(t, "healthcare", sess.Usecase.ID)
	assert.Equal(t, int32(2), backend.initCalls.Load())

	require.Len(t, backend.inits, 2)
	assert.Equal(t, "fintech", backend.inits[0].UsecaseID)
	assert.Equal(t, "healthcare", backend.inits[1].UsecaseID)
}

func TestInitValidation(t *testing.T) {
	backend := newFakeBackend()

	c, _ := newController(backend)
	_, err := c.InitFromTeamCode(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrInvalidTeam)

	unauthorized := NewController(backend, auth.NewStatic(""))
	_, err = unauthorized.InitFromTeamCode(context.Background(), "TEAM-7", "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, int32(0), backend.initCalls.Load())
}

func TestResumeTeamMismatchReinitializes(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newController(backend)

	_, err := c.InitFromTeamCode(context.Background(), "TEAM-A", "")
	require.NoError(t, err)

	c.Team().Set("team-b")
	sess, err := c.Resume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "TEAM-B", sess.TeamID)
	assert.Equal(t, "sess-TEAM-B", sess.ID)
	assert.Equal(t, int32(2), backend.initCalls.Load())
}

func TestResumeKeepsRunningPhaseClock(t *testing.T) {
	backend := newFakeBackend()
	c, clock := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)
	_, err = c.StartPhase(ctx, 1, nil)
	require.NoError(t, err)
	clock.Advance(15 * time.Minute)

	_, err = c.Resume(ctx)
	require.NoError(t, err)

	status := c.Status()
	assert.True(t, status.Timer.Running)
	assert.InDelta(t, 900, status.Timer.ElapsedSeconds, 0.001)
}

func TestResumeWithoutSession(t *testing.T) {
	c, _ := newController(newFakeBackend())
	_, err := c.Resume(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFullRunThroughSynthesis(t *testing.T) {
	backend := newFakeBackend()
	c, clock := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)

	_, err = c.StartPhase(ctx, 2, nil)
	assert.ErrorIs(t, err, phase.ErrPhaseLocked)

	_, err = c.StartPhase(ctx, 1, nil)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	answer := strings.Repeat("a", 800)
	outcome, err := c.SubmitPhase(ctx, []models.Response{{Answer: answer}})
	require.NoError(t, err)
	require.True(t, outcome.Passed())

	sess, err := c.HandleFeedbackAction(ctx, ActionContinue)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.CurrentPhase)
	assert.Equal(t, 2, sess.HighestUnlocked)
	assert.Equal(t, models.StagePhases, sess.Stage)

	_, err = c.StartPhase(ctx, 2, nil)
	require.NoError(t, err)
	_, err = c.SubmitPhase(ctx, []models.Response{{Answer: answer}})
	require.NoError(t, err)

	sess, err = c.HandleFeedbackAction(ctx, ActionContinue)
	require.NoError(t, err)
	assert.Equal(t, models.StageSynthesis, sess.Stage)
	assert.True(t, sess.IsComplete)
	assert.Equal(t, models.TokenUsage{Payload: 400, AI: 800}, sess.Tokens)

	draft, err := c.CuratePrompt(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, draft.Prompt)

	sess, err = c.SubmitFinalArtifact(ctx, "", "pitch.png", strings.NewReader("PNG"))
	require.NoError(t, err)
	assert.Equal(t, models.StageComplete, sess.Stage)
	assert.Equal(t, draft.Prompt, sess.FinalOutput.ImagePrompt)
	assert.Equal(t, "/generated/pitch.png", sess.FinalOutput.ImageURL)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, 875, sess.Tokens.AI)
	assert.Equal(t, "PNG", backend.uploaded)
}

func TestFeedbackRetryAndContinueGuard(t *testing.T) {
	backend := newFakeBackend()
	backend.aiScores = []float64{0.2}
	c, _ := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)
	_, err = c.StartPhase(ctx, 1, nil)
	require.NoError(t, err)
	outcome, err := c.SubmitPhase(ctx, nil)
	require.NoError(t, err)
	require.False(t, outcome.Passed())

	_, err = c.HandleFeedbackAction(ctx, ActionContinue)
	assert.ErrorIs(t, err, ErrCannotProceed)

	sess, err := c.HandleFeedbackAction(ctx, ActionRetry)
	require.NoError(t, err)
	rec := sess.Records["Discovery"]
	assert.Equal(t, models.PhaseInProgress, rec.Status)
	assert.Equal(t, 1, rec.Metrics.Retries)
	assert.Equal(t, 1, sess.HighestUnlocked)

	_, err = c.HandleFeedbackAction(ctx, Action("SKIP"))
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func completedPhaseData(completedAt time.Time) map[string]*models.PhaseRecord {
	return map[string]*models.PhaseRecord{
		"Discovery": {PhaseID: "p1", Status: models.PhasePassed, CompletedAt: &completedAt,
			Metrics: models.Metrics{PhaseScore: 400, EndTime: &completedAt}},
	}
}

func TestPromptStaleness(t *testing.T) {
	completion := epoch.Add(time.Hour)

	tts := []struct {
		name        string
		generatedAt time.Time
		expectCalls int32
	}{
		{"generated well before completion", completion.Add(-10 * time.Second), 2},
		{"generated within the buffer", completion.Add(-2 * time.Second), 1},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.catalog = models.Catalog{1: {ID: "p1", Name: "Discovery", Weight: 0.4}}
			backend.phaseData = completedPhaseData(completion)
			c, clock := newController(backend)
			ctx := context.Background()

			sess, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
			require.NoError(t, err)
			require.Equal(t, models.StageSynthesis, sess.Stage)
			assert.Equal(t, float64(400), sess.TotalScore)

			clock.Advance(tt.generatedAt.Sub(clock.Now()))
			first, err := c.CuratePrompt(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.generatedAt, first.GeneratedAt)

			clock.Advance(time.Hour)
			_, err = c.CuratePrompt(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expectCalls, backend.curateCalls.Load())
		})
	}
}

func TestRegeneratePromptSendsNotes(t *testing.T) {
	backend := newFakeBackend()
	backend.catalog = models.Catalog{1: {ID: "p1", Name: "Discovery", Weight: 0.4}}
	backend.phaseData = completedPhaseData(epoch)
	c, _ := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)

	history := []models.ChatTurn{{Role: "user", Content: "more blue"}}
	_, err = c.RegeneratePrompt(ctx, "  night scene ", history)
	require.NoError(t, err)

	require.Len(t, backend.curates, 1)
	assert.Equal(t, "night scene", backend.curates[0].AdditionalNotes)
	assert.Equal(t, history, backend.curates[0].History)
}

func TestCuratePromptBeforeSynthesis(t *testing.T) {
	c, _ := newController(newFakeBackend())
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)

	_, err = c.CuratePrompt(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.SubmitFinalArtifact(ctx, "prompt", "x.png", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestConcurrentOperationIsBusy(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)

	backend.startBlock = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.StartPhase(ctx, 1, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Status().Loading }, time.Second, time.Millisecond)

	_, err = c.SubmitPhase(ctx, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(backend.startBlock)
	require.NoError(t, <-done)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c, _ := newController(newFakeBackend())
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)
	_, err = c.StartPhase(ctx, 1, nil)
	require.NoError(t, err)

	snap, err := c.Snapshot()
	require.NoError(t, err)
	snap.Records["Discovery"].Status = models.PhasePassed
	snap.Phases[1] = models.PhaseDefinition{Name: "tampered"}

	again, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, models.PhaseInProgress, again.Records["Discovery"].Status)
	assert.Equal(t, "Discovery", again.Phases[1].Name)
}

func TestResetToStart(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newController(backend)
	ctx := context.Background()

	_, err := c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)

	c.ResetToStart()
	_, err = c.Snapshot()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, models.StageEntry, c.Status().Stage)

	// the one-shot guard is released, so init goes to the backend again
	_, err = c.InitFromTeamCode(ctx, "TEAM-7", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.initCalls.Load())
}

func TestNotifierReceivesEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string
	c, _ := newController(newFakeBackend(), WithNotifier(func(event string, data any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	}))

	_, err := c.InitFromTeamCode(context.Background(), "TEAM-7", "")
	require.NoError(t, err)
	c.ResetToStart()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventInitialized, EventReset}, events)
}
