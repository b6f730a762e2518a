package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terra-clan/pitchsync/internal/metrics"
	"github.com/terra-clan/pitchsync/internal/models"
)

// HealthChecker probes the backend
type HealthChecker interface {
	Health(ctx context.Context) (*models.HealthStatus, error)
}

// HealthState is the last known backend health
type HealthState struct {
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthMonitor keeps HealthState current and reports transitions
type HealthMonitor struct {
	checker  HealthChecker
	onChange func(HealthState)

	mu      sync.RWMutex
	state   HealthState
	checked bool
}

// NewHealthMonitor creates a monitor. onChange may be nil.
func NewHealthMonitor(checker HealthChecker, onChange func(HealthState)) *HealthMonitor {
	return &HealthMonitor{checker: checker, onChange: onChange}
}

// Check probes once and updates the state
func (h *HealthMonitor) Check(ctx context.Context) {
	next := HealthState{CheckedAt: time.Now()}

	status, err := h.checker.Health(ctx)
	if err != nil {
		next.Status = "offline"
		next.Error = err.Error()
	} else {
		next.Online = status.Healthy()
		next.Status = status.Status
		next.Version = status.Version
	}

	h.mu.Lock()
	changed := !h.checked || h.state.Online != next.Online
	h.state = next
	h.checked = true
	h.mu.Unlock()

	if !changed {
		return
	}
	if next.Online {
		slog.Info("backend online", "status", next.Status, "version", next.Version)
	} else {
		slog.Warn("backend offline", "status", next.Status, "error", next.Error)
	}
	if h.onChange != nil {
		h.onChange(next)
	}
}

// State returns the last known health
func (h *HealthMonitor) State() HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// BroadcastSource fetches operator announcements
type BroadcastSource interface {
	Broadcast(ctx context.Context) (*models.Broadcast, error)
}

// BroadcastWatcher surfaces each announcement exactly once, by monotonic id
type BroadcastWatcher struct {
	source  BroadcastSource
	onNew   func(models.Broadcast)
	metrics *metrics.Recorder

	mu      sync.RWMutex
	lastID  int64
	current *models.Broadcast
}

// NewBroadcastWatcher creates a watcher. onNew may be nil.
func NewBroadcastWatcher(source BroadcastSource, onNew func(models.Broadcast), recorder *metrics.Recorder) *BroadcastWatcher {
	return &BroadcastWatcher{source: source, onNew: onNew, metrics: recorder}
}

// Check polls once
func (w *BroadcastWatcher) Check(ctx context.Context) {
	b, err := w.source.Broadcast(ctx)
	if err != nil {
		slog.Debug("failed to poll broadcast", "error", err)
		return
	}

	w.mu.Lock()
	if !b.Active || b.Message == "" {
		w.current = nil
		w.mu.Unlock()
		return
	}
	if b.ID <= w.lastID {
		w.mu.Unlock()
		return
	}
	w.lastID = b.ID
	announcement := *b
	w.current = &announcement
	w.mu.Unlock()

	w.metrics.ObserveBroadcast()
	slog.Info("new broadcast", "id", b.ID, "message", b.Message)
	if w.onNew != nil {
		w.onNew(announcement)
	}
}

// Current returns the active announcement, if any
func (w *BroadcastWatcher) Current() (models.Broadcast, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return models.Broadcast{}, false
	}
	return *w.current, true
}
