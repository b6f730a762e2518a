package poller

import (
	"context"
	"log/slog"
	"time"
)

// Task is a unit of periodic background work
type Task struct {
	Name      string
	Interval  time.Duration
	ShouldRun func() bool // optional gate checked before every run
	Run       func(ctx context.Context)
}

// Poller runs a task on a fixed interval until its context is cancelled
type Poller struct {
	task Task
	wake chan struct{}
}

// New creates a poller for task
func New(task Task) *Poller {
	if task.Interval <= 0 {
		task.Interval = 30 * time.Second
	}

	return &Poller{
		task: task,
		wake: make(chan struct{}, 1),
	}
}

// Name returns the task name
func (p *Poller) Name() string {
	return p.task.Name
}

// Start begins the poller in a goroutine
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Trigger requests one immediate run. Requests made while one is already
// pending collapse into it.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run is the main loop for the poller
func (p *Poller) run(ctx context.Context) {
	slog.Info("poller started", "task", p.task.Name, "interval", p.task.Interval)

	ticker := time.NewTicker(p.task.Interval)
	defer ticker.Stop()

	// Run immediately on start
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped", "task", p.task.Name)
			return
		case <-ticker.C:
			if p.tick(ctx) {
				p.dropWake()
			}
		case <-p.wake:
			// one fresh check, then a full interval before the next tick
			if p.tick(ctx) {
				ticker.Reset(p.task.Interval)
			}
		}
	}
}

// dropWake discards a trigger that a run has already served
func (p *Poller) dropWake() {
	select {
	case <-p.wake:
	default:
	}
}

// tick runs the task unless gated and reports whether it ran
func (p *Poller) tick(ctx context.Context) bool {
	if p.task.ShouldRun != nil && !p.task.ShouldRun() {
		slog.Debug("poller skipped", "task", p.task.Name)
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	p.task.Run(ctx)
	return true
}
