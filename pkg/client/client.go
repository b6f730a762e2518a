package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/metrics"
	"github.com/terra-clan/pitchsync/internal/models"
)

// Default per-attempt timeouts
const (
	DefaultEvaluatorTimeout = 120 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
)

// Client is the resilient SDK for the challenge backend
type Client struct {
	baseURL          string
	httpClient       *http.Client
	auth             auth.Provider
	policy           RetryPolicy
	evaluatorTimeout time.Duration
	probeTimeout     time.Duration
	metrics          *metrics.Recorder
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithAuth sets the bearer credential provider
func WithAuth(provider auth.Provider) Option {
	return func(c *Client) {
		c.auth = provider
	}
}

// WithRetryPolicy overrides the retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithTimeouts sets the per-attempt timeouts for evaluator calls and probes
func WithTimeouts(evaluator, probe time.Duration) Option {
	return func(c *Client) {
		if evaluator > 0 {
			c.evaluatorTimeout = evaluator
		}
		if probe > 0 {
			c.probeTimeout = probe
		}
	}
}

// WithMetrics attaches a metrics recorder
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = recorder
	}
}

// NewClient creates a new backend client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{},
		policy:           DefaultRetryPolicy(),
		evaluatorTimeout: DefaultEvaluatorTimeout,
		probeTimeout:     DefaultProbeTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close releases idle connections held by the client
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Policy returns the retry policy in use
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// InitSession creates or resumes the session of a team
func (c *Client) InitSession(ctx context.Context, req models.InitSessionRequest) (*models.InitSessionResponse, error) {
	var result models.InitSessionResponse
	if err := c.call(ctx, Request{Method: http.MethodPost, Path: "/api/init", Body: req, Endpoint: "init"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CheckSession reports whether a team already has a session
func (c *Client) CheckSession(ctx context.Context, teamID string) (*models.CheckSessionResponse, error) {
	var result models.CheckSessionResponse
	path := fmt.Sprintf("/api/check-session/%s", url.PathEscape(teamID))
	if err := c.call(ctx, Request{Method: http.MethodGet, Path: path, Endpoint: "check_session"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartPhase starts or resumes a phase
func (c *Client) StartPhase(ctx context.Context, req models.StartPhaseRequest) (*models.StartPhaseResponse, error) {
	var result models.StartPhaseResponse
	if err := c.call(ctx, Request{Method: http.MethodPost, Path: "/api/start-phase", Body: req, Endpoint: "start_phase"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitPhase sends answers to the evaluator
func (c *Client) SubmitPhase(ctx context.Context, req models.SubmitPhaseRequest) (*models.SubmitPhaseResponse, error) {
	var result models.SubmitPhaseResponse
	if err := c.call(ctx, Request{Method: http.MethodPost, Path: "/api/submit-phase", Body: req, Endpoint: "submit_phase"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CuratePrompt synthesizes (or refines) the image prompt
func (c *Client) CuratePrompt(ctx context.Context, req models.CuratePromptRequest) (*models.CuratePromptResponse, error) {
	var result models.CuratePromptResponse
	if err := c.call(ctx, Request{Method: http.MethodPost, Path: "/api/curate-prompt", Body: req, Endpoint: "curate_prompt"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitPitchImage uploads the final image together with the prompt used
func (c *Client) SubmitPitchImage(ctx context.Context, sessionID, prompt, filename string, image io.Reader) (*models.SubmitPitchImageResponse, error) {
	// Buffer the whole form so every retry resends identical bytes
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("session_id", sessionID); err != nil {
		return nil, &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}
	}
	if err := form.WriteField("edited_prompt", prompt); err != nil {
		return nil, &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, &ApiError{Message: fmt.Sprintf("failed to read image: %v", err), Code: CodeUnknown, cause: err}
	}
	if err := form.Close(); err != nil {
		return nil, &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}
	}

	var result models.SubmitPitchImageResponse
	req := Request{
		Method:      http.MethodPost,
		Path:        "/api/submit-pitch-image",
		RawBody:     buf.Bytes(),
		ContentType: form.FormDataContentType(),
		Endpoint:    "submit_pitch_image",
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health probes the backend and its dependencies
func (c *Client) Health(ctx context.Context) (*models.HealthStatus, error) {
	var result models.HealthStatus
	if err := c.call(ctx, Request{Method: http.MethodGet, Path: "/health", Kind: CallProbe, Endpoint: "health"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Broadcast fetches the current operator announcement
func (c *Client) Broadcast(ctx context.Context) (*models.Broadcast, error) {
	var result models.Broadcast
	if err := c.call(ctx, Request{Method: http.MethodGet, Path: "/api/broadcast", Kind: CallProbe, Endpoint: "broadcast"}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call sends the request and decodes a successful payload into out.
// Every returned error is an *ApiError.
func (c *Client) call(ctx context.Context, req Request, out any) error {
	resp := c.Send(ctx, req)
	if !resp.Success {
		return resp.Err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return &ApiError{Message: "malformed response from server", Code: CodeUnknown, Status: resp.Status, cause: err}
	}
	return nil
}
