package poller

import (
	"log/slog"
	"sync"
)

// Visibility gates pollers on whether anyone is looking. Becoming visible
// again triggers one fresh run of every attached poller.
type Visibility struct {
	mu      sync.Mutex
	visible bool
	pollers []*Poller
}

// NewVisibility creates a gate that starts visible
func NewVisibility() *Visibility {
	return &Visibility{visible: true}
}

// Attach registers a poller to be woken on a visibility return
func (v *Visibility) Attach(p *Poller) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pollers = append(v.pollers, p)
}

// Visible reports the current state. Usable as Task.ShouldRun.
func (v *Visibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// SetVisible records a visibility change
func (v *Visibility) SetVisible(visible bool) {
	v.mu.Lock()
	returned := visible && !v.visible
	v.visible = visible
	pollers := append([]*Poller(nil), v.pollers...)
	v.mu.Unlock()

	if !returned {
		return
	}

	slog.Debug("visibility restored, refreshing pollers", "pollers", len(pollers))
	for _, p := range pollers {
		p.Trigger()
	}
}
