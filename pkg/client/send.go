package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// CallKind selects the per-attempt timeout of a request
type CallKind int

const (
	CallEvaluator CallKind = iota // AI-backed calls, long timeout
	CallProbe                     // lightweight health and broadcast polls
)

// Request describes one logical backend call
type Request struct {
	Method      string
	Path        string
	Body        any    // JSON-encoded when RawBody is nil
	RawBody     []byte // sent as is, e.g. a multipart payload
	ContentType string
	Kind        CallKind
	Endpoint    string // metrics label, defaults to Path
}

// Response is the outcome of Send. Err is set iff Success is false.
type Response struct {
	Data    []byte
	Status  int
	Err     *ApiError
	Success bool
}

// Decode unmarshals the response payload, unwrapping a {success,data} envelope
func (r Response) Decode(v any) error {
	data := r.Data
	if gjson.GetBytes(data, "success").IsBool() {
		if inner := gjson.GetBytes(data, "data"); inner.Exists() {
			data = []byte(inner.Raw)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Send performs the request with timeout, retry-with-backoff and error
// classification. It never panics on transport failures; every failure is
// reported through Response.Err.
func (c *Client) Send(ctx context.Context, req Request) Response {
	payload, contentType, err := req.encode()
	if err != nil {
		return Response{Err: &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}}
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}
	timeout := c.evaluatorTimeout
	if req.Kind == CallProbe {
		timeout = c.probeTimeout
	}

	// One key per logical request so the backend can deduplicate resends
	idempotencyKey := uuid.NewString()

	var (
		status int
		data   []byte
	)

	err = retry.Do(
		func() error {
			start := time.Now()
			st, body, apiErr := c.attempt(ctx, req, payload, contentType, idempotencyKey, timeout)
			code := "OK"
			if apiErr != nil {
				code = apiErr.Code
			}
			c.metrics.ObserveAttempt(endpoint, code, time.Since(start))

			if apiErr != nil {
				return apiErr
			}
			status, data = st, body
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.policy.attempts()),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		// retry-go numbers the first retry 1; Backoff is zero-based
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if n == 0 {
				return c.policy.Backoff(0)
			}
			return c.policy.Backoff(int(n) - 1)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("backend attempt failed",
				"endpoint", endpoint,
				"attempt", n+1,
				"max_attempts", c.policy.attempts(),
				"error", err,
			)
		}),
	)
	if err != nil {
		apiErr := Classify(err)
		slog.Error("backend request failed",
			"endpoint", endpoint,
			"code", apiErr.Code,
			"status", apiErr.Status,
			"error_id", apiErr.ErrorID,
		)
		return Response{Status: apiErr.Status, Err: apiErr}
	}

	return Response{Data: data, Status: status, Success: true}
}

// attempt performs a single HTTP exchange bounded by its own timeout
func (c *Client) attempt(
	ctx context.Context,
	req Request,
	payload []byte,
	contentType, idempotencyKey string,
	timeout time.Duration,
) (int, []byte, *ApiError) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return 0, nil, &ApiError{Message: fmt.Sprintf("failed to create request: %v", err), Code: CodeUnknown, cause: err}
	}

	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	httpReq.Header.Set("X-Request-ID", idempotencyKey)

	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return 0, nil, &ApiError{Message: "no credential available", Code: CodeUnknown, cause: err}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, Classify(err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, respBody, ClassifyStatus(resp.StatusCode, respBody)
	}

	slog.Debug("backend request succeeded", "method", req.Method, "path", req.Path, "status", resp.StatusCode)
	return resp.StatusCode, respBody, nil
}

func (r Request) encode() ([]byte, string, error) {
	if r.RawBody != nil {
		return r.RawBody, r.ContentType, nil
	}
	if r.Body == nil {
		return nil, r.ContentType, nil
	}

	payload, err := json.Marshal(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	contentType := r.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return payload, contentType, nil
}
