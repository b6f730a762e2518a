package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/config"
	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/poller"
	"github.com/terra-clan/pitchsync/internal/session"
	"github.com/terra-clan/pitchsync/pkg/client"
)

type stubBackend struct {
	mu       sync.Mutex
	initErr  error
	catalog  models.Catalog
	uploaded string
}

func newStubBackend() *stubBackend {
	return &stubBackend{catalog: models.Catalog{
		1: {ID: "p1", Name: "Discovery", Weight: 0.5, TimeLimitSeconds: 600},
		2: {ID: "p2", Name: "Pitch", Weight: 0.5, TimeLimitSeconds: 600},
	}}
}

func (b *stubBackend) InitSession(ctx context.Context, req models.InitSessionRequest) (*models.InitSessionResponse, error) {
	if b.initErr != nil {
		return nil, b.initErr
	}
	usecase := models.Usecase{ID: "retail", Title: "Smart Retail"}
	if req.UsecaseID != "" {
		usecase = models.Usecase{ID: req.UsecaseID, Title: req.UsecaseID}
	}
	return &models.InitSessionResponse{
		SessionID:    "sess-" + req.TeamID,
		Usecase:      usecase,
		Phases:       b.catalog,
		ScoringInfo:  models.DefaultScoringRules(),
		CurrentPhase: 1,
	}, nil
}

func (b *stubBackend) CheckSession(ctx context.Context, teamID string) (*models.CheckSessionResponse, error) {
	return &models.CheckSessionResponse{HasSession: teamID == "TEAM-7"}, nil
}

func (b *stubBackend) StartPhase(ctx context.Context, req models.StartPhaseRequest) (*models.StartPhaseResponse, error) {
	now := time.Now()
	return &models.StartPhaseResponse{StartedAt: now, CurrentServerTime: &now}, nil
}

func (b *stubBackend) SubmitPhase(ctx context.Context, req models.SubmitPhaseRequest) (*models.SubmitPhaseResponse, error) {
	return &models.SubmitPhaseResponse{
		AIScore: 0.9,
		Passed:  true,
		Usage:   models.Usage{InputTokens: 300, OutputTokens: 100},
	}, nil
}

func (b *stubBackend) CuratePrompt(ctx context.Context, req models.CuratePromptRequest) (*models.CuratePromptResponse, error) {
	return &models.CuratePromptResponse{SessionID: req.SessionID, CuratedPrompt: "a lighthouse over a market"}, nil
}

func (b *stubBackend) SubmitPitchImage(ctx context.Context, sessionID, prompt, filename string, image io.Reader) (*models.SubmitPitchImageResponse, error) {
	data, _ := io.ReadAll(image)
	b.mu.Lock()
	b.uploaded = string(data)
	b.mu.Unlock()
	return &models.SubmitPitchImageResponse{ImageURL: "/generated/" + filename, PromptUsed: prompt}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func newTestServer(t *testing.T, cfg config.ServerConfig, backend *stubBackend) (*Server, *Hub) {
	t.Helper()
	hub := NewHub()
	controller := session.NewController(backend, auth.NewStatic("team-token"),
		session.WithNotifier(hub.Publish),
	)
	srv := NewServer(cfg, Dependencies{
		Controller: controller,
		Hub:        hub,
		Gatherer:   prometheus.NewRegistry(),
	})
	return srv, hub
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{}, newStubBackend())

	rec, env := do(t, srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

type offlineChecker struct{}

func (offlineChecker) Health(ctx context.Context) (*models.HealthStatus, error) {
	return nil, errors.New("NETWORK_ERROR: network unavailable")
}

func TestReadyReflectsBackendHealth(t *testing.T) {
	health := poller.NewHealthMonitor(offlineChecker{}, nil)
	health.Check(context.Background())

	controller := session.NewController(newStubBackend(), auth.NewStatic("team-token"))
	srv := NewServer(config.ServerConfig{}, Dependencies{Controller: controller, Health: health})

	rec, env := do(t, srv.Router(), http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_ready", env.Error.Code)
}

func TestPresenterAuthentication(t *testing.T) {
	cfg := config.ServerConfig{
		APIKey: "ps_admin_0123456789",
		Presenters: []config.PresenterConfig{
			{Name: "stage-screen", APIKey: "ps_stage_0123456789", Permissions: []string{"session:read"}},
		},
	}
	srv, _ := newTestServer(t, cfg, newStubBackend())
	h := srv.Router()

	rec, _ := do(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/status", nil, "Authorization", "Bearer ps_wrong_0123456789")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := do(t, h, http.MethodGet, "/api/status", nil, "X-API-Key", "ps_stage_0123456789")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = do(t, h, http.MethodPost, "/api/session/init", map[string]string{"team_id": "team-7"},
		"X-API-Key", "ps_stage_0123456789")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/session/init", map[string]string{"team_id": "team-7"},
		"Authorization", "Bearer ps_admin_0123456789")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitSessionWithUsecase(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{}, newStubBackend())
	h := srv.Router()

	rec, env := do(t, h, http.MethodPost, "/api/session/init", map[string]string{"team_id": "team-7", "usecase_id": "fintech"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sess models.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, "fintech", sess.Usecase.ID)

	rec, env = do(t, h, http.MethodPost, "/api/session/init", map[string]string{"team_id": "team-7", "usecase_id": strings.Repeat("x", 65)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestSessionFlowThroughSynthesis(t *testing.T) {
	backend := newStubBackend()
	srv, _ := newTestServer(t, config.ServerConfig{}, backend)
	h := srv.Router()

	rec, env := do(t, h, http.MethodPost, "/api/session/init", map[string]string{"team_id": " team-7 "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sess models.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, "TEAM-7", sess.TeamID)
	assert.Equal(t, models.StagePhases, sess.Stage)

	// phase 2 is still locked
	rec, env = do(t, h, http.MethodPost, "/api/phases/2/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "phase_locked", env.Error.Code)

	for _, n := range []string{"1", "2"} {
		rec, _ = do(t, h, http.MethodPost, "/api/phases/"+n+"/start", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec, env = do(t, h, http.MethodPost, "/api/phases/submit", map[string]interface{}{
			"responses": []models.Response{{Question: "Who is the customer?", Answer: "Shop owners"}},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var outcome struct {
			Status models.PhaseStatus `json:"status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &outcome))
		assert.Equal(t, models.PhasePassed, outcome.Status)

		rec, _ = do(t, h, http.MethodPost, "/api/phases/feedback", map[string]string{"action": "continue"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec, env = do(t, h, http.MethodGet, "/api/catalog/phases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Phases []phaseSummary `json:"phases"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	assert.Equal(t, 2, listing.Total)
	assert.Equal(t, models.PhasePassed, listing.Phases[1].Status)

	rec, env = do(t, h, http.MethodPost, "/api/synthesis/curate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var draft models.PromptDraft
	require.NoError(t, json.Unmarshal(env.Data, &draft))
	assert.Equal(t, "a lighthouse over a market", draft.Prompt)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "pitch.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("png-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/synthesis/final", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	final := httptest.NewRecorder()
	h.ServeHTTP(final, req)
	require.Equal(t, http.StatusOK, final.Code, final.Body.String())

	require.NoError(t, json.Unmarshal(final.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, models.StageComplete, sess.Stage)
	assert.Equal(t, "/generated/pitch.png", sess.FinalOutput.ImageURL)
	assert.Equal(t, "a lighthouse over a market", sess.FinalOutput.ImagePrompt)
	assert.Equal(t, "png-bytes", backend.uploaded)
}

func TestRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{}, newStubBackend())
	h := srv.Router()

	tts := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"missing team", http.MethodPost, "/api/session/init", map[string]string{}, http.StatusBadRequest, "validation_error"},
		{"bad phase number", http.MethodPost, "/api/phases/zero/start", nil, http.StatusBadRequest, "validation_error"},
		{"empty submission", http.MethodPost, "/api/phases/submit", map[string]interface{}{"responses": []models.Response{}}, http.StatusBadRequest, "validation_error"},
		{"unknown action", http.MethodPost, "/api/phases/feedback", map[string]string{"action": "SKIP"}, http.StatusBadRequest, "validation_error"},
		{"visibility without flag", http.MethodPost, "/api/visibility", map[string]string{}, http.StatusBadRequest, "validation_error"},
		{"no session", http.MethodGet, "/api/session/", nil, http.StatusNotFound, "no_session"},
		{"curate without session", http.MethodPost, "/api/synthesis/curate", nil, http.StatusNotFound, "no_session"},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestBackendErrorsMapToGatewayStatuses(t *testing.T) {
	tts := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"timeout", &client.ApiError{Code: client.CodeTimeout, Message: "Request timed out"}, http.StatusGatewayTimeout, "TIMEOUT"},
		{"server error", &client.ApiError{Code: "HTTP_500", Status: 500, Message: "Evaluator crashed"}, http.StatusBadGateway, "HTTP_500"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			backend := newStubBackend()
			backend.initErr = tt.err
			srv, _ := newTestServer(t, config.ServerConfig{}, backend)

			rec, env := do(t, srv.Router(), http.MethodPost, "/api/session/init", map[string]string{"team_id": "team-7"})
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCheckSessionAndVisibility(t *testing.T) {
	srv, _ := newTestServer(t, config.ServerConfig{}, newStubBackend())
	h := srv.Router()

	rec, env := do(t, h, http.MethodGet, "/api/session/check/team-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var check models.CheckSessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &check))
	assert.True(t, check.HasSession)

	rec, env = do(t, h, http.MethodPost, "/api/visibility", map[string]bool{"visible": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"visible":false}`, string(env.Data))
	assert.False(t, srv.visibility.Visible())
}

func TestEventStreamReceivesSessionEvents(t *testing.T) {
	srv, hub := newTestServer(t, config.ServerConfig{}, newStubBackend())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first EventMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/session/init", "application/json", strings.NewReader(`{"team_id":"team-7"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt EventMessage
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, session.EventInitialized, evt.Type)
	assert.JSONEq(t, `"sess-TEAM-7"`, string(evt.Data))

	// visibility updates travel the other way
	visible := false
	require.NoError(t, conn.WriteJSON(EventMessage{Type: "visibility", Visible: &visible}))
	require.Eventually(t, func() bool { return !srv.visibility.Visible() }, time.Second, 5*time.Millisecond)
}
