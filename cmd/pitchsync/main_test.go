package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/pitchsync/internal/config"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["probe"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestInitTimeoutCoversRetries(t *testing.T) {
	cfg := config.BackendConfig{
		EvaluatorTimeout: 120 * time.Second,
		Retry:            config.RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}
	timeout := initTimeout(cfg)
	assert.Equal(t, 363*time.Second, timeout)
	assert.Greater(t, timeout, cfg.EvaluatorTimeout*time.Duration(cfg.Retry.MaxRetries+1))

	serve := newServeCmd(nil)
	assert.NotNil(t, serve.Flags().Lookup("usecase"))
}

func TestProbeReportsHealthAndSession(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","version":"2.4.0"}`))
		case "/api/check-session/TEAM-7":
			assert.Equal(t, "Bearer team-token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"success":true,"data":{"has_session":true,"is_complete":false}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	t.Setenv("PITCHSYNC_CONFIG", "")
	t.Setenv("BACKEND_URL", backend.URL)
	t.Setenv("AUTH_TOKEN", "team-token")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"probe", "--team", "TEAM-7"})
	require.NoError(t, root.Execute())

	var report struct {
		Health struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		} `json:"health"`
		Session struct {
			HasSession bool `json:"has_session"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "healthy", report.Health.Status)
	assert.Equal(t, "2.4.0", report.Health.Version)
	assert.True(t, report.Session.HasSession)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("PITCHSYNC_CONFIG", "")
	t.Setenv("SERVER_PORT", "70000")

	root := newRootCmd("test")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})
	assert.Error(t, root.Execute())
}
