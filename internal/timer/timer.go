// Package timer measures time spent on the active phase. Durations are
// anchored on server-reported timestamps so a skewed client clock cannot
// distort them, and advance with the local monotonic clock in between.
package timer

import (
	"sync"
	"time"
)

// Kind selects how Start treats previously accumulated time
type Kind int

const (
	FreshStart Kind = iota // new phase attempt, elapsed starts at the server offset
	Resume                 // re-entering a parked phase, elapsed continues from StartInfo.Elapsed
)

func (k Kind) String() string {
	if k == Resume {
		return "resume"
	}
	return "fresh_start"
}

// StartInfo carries the server view of the phase being entered
type StartInfo struct {
	StartedAt time.Time // server timestamp of the phase start
	ServerNow time.Time // server clock when the start response was produced
	Elapsed   float64   // seconds already spent, reported when resuming
}

// Snapshot is a point-in-time view of the timer
type Snapshot struct {
	ElapsedSeconds      float64 `json:"elapsed_seconds"`
	ServerOffsetSeconds float64 `json:"server_offset_seconds"`
	Running             bool    `json:"running"`
}

// Clock is the time source of the controller
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock
func SystemClock() Clock {
	return systemClock{}
}

// Controller tracks elapsed time of a single phase
type Controller struct {
	mu sync.Mutex

	clock    Clock
	carried  time.Duration // accumulated before the current run
	offset   time.Duration // server now minus server phase start
	runStart time.Time
	running  bool
}

// New creates a controller on the system clock
func New() *Controller {
	return NewWithClock(SystemClock())
}

// NewWithClock creates a controller on the given clock
func NewWithClock(clock Clock) *Controller {
	return &Controller{clock: clock}
}

// Start begins timing a phase
func (c *Controller) Start(kind Kind, info StartInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.carried = 0
	c.offset = 0

	switch kind {
	case Resume:
		c.carried = seconds(info.Elapsed)
	default:
		if !info.StartedAt.IsZero() && !info.ServerNow.IsZero() {
			if offset := info.ServerNow.Sub(info.StartedAt); offset > 0 {
				c.offset = offset
			}
		}
	}

	c.runStart = c.clock.Now()
	c.running = true
}

// Pause stops the clock and returns the elapsed seconds at that moment
func (c *Controller) Pause() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fold()
	c.running = false
	return c.carried.Seconds()
}

// Resume restarts a paused clock. No-op while running.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.runStart = c.clock.Now()
	c.running = true
}

// Restart begins a new run keeping the cumulative elapsed time
func (c *Controller) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fold()
	c.runStart = c.clock.Now()
	c.running = true
}

// Reset stops the clock and clears all accumulated time
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.carried = 0
	c.offset = 0
	c.runStart = time.Time{}
	c.running = false
}

// ElapsedSeconds returns the elapsed time of the phase
func (c *Controller) ElapsedSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.elapsed().Seconds()
}

// Running reports whether the clock is advancing
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// Snapshot returns the current timer state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ElapsedSeconds:      c.elapsed().Seconds(),
		ServerOffsetSeconds: c.offset.Seconds(),
		Running:             c.running,
	}
}

func (c *Controller) elapsed() time.Duration {
	total := c.carried + c.offset
	if c.running {
		if delta := c.clock.Now().Sub(c.runStart); delta > 0 {
			total += delta
		}
	}
	return total
}

// fold moves the running time into carried. Caller holds mu.
func (c *Controller) fold() {
	c.carried = c.elapsed()
	c.offset = 0
	c.runStart = c.clock.Now()
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
