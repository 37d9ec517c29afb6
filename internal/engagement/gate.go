// Package engagement decides when a reader has spent enough visible, active
// time on a page to start a reflection session.
package engagement

import (
	"log"
	"sync"
	"time"
)

const (
	DefaultActivityTimeout = 30 * time.Second
	DefaultTickInterval    = time.Second
)

// ActivityKind names the input events that count as the reader being present.
type ActivityKind string

const (
	ActivityScroll  ActivityKind = "scroll"
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityTouch   ActivityKind = "touch"
)

// Phase is the coarse state of the gate.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseTracking         Phase = "tracking"
	PhasePaused           Phase = "paused"
	PhaseThresholdReached Phase = "threshold_reached"
)

// State is a snapshot of the dwell counters.
type State struct {
	ElapsedSeconds int
	Threshold      int
	IsTracking     bool
	IsPageVisible  bool
	LastActivityAt time.Time
	ThresholdFired bool
}

// Gate counts dwell seconds and fires once per threshold crossing.
type Gate struct {
	mu              sync.Mutex
	state           State
	onThreshold     func()
	now             func() time.Time
	activityTimeout time.Duration
	tickInterval    time.Duration

	stop chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithActivityTimeout sets how long the reader may be idle before ticks stop counting.
func WithActivityTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.activityTimeout = d
		}
	}
}

// WithTickInterval sets the loop period used by Start.
func WithTickInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.tickInterval = d
		}
	}
}

// NewGate creates an idle gate. The page is assumed visible until told otherwise.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		now:             time.Now,
		activityTimeout: DefaultActivityTimeout,
		tickInterval:    DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state.IsPageVisible = true
	g.state.LastActivityAt = g.now()
	return g
}

// OnThreshold registers the callback fired when dwell reaches the threshold.
func (g *Gate) OnThreshold(fn func()) {
	g.mu.Lock()
	g.onThreshold = fn
	g.mu.Unlock()
}

// Start begins tracking with the given threshold. Calling Start while already
// tracking is a no-op.
func (g *Gate) Start(thresholdSeconds int) {
	g.mu.Lock()
	if g.state.IsTracking {
		g.mu.Unlock()
		return
	}
	if thresholdSeconds > 0 {
		g.state.Threshold = thresholdSeconds
	}
	g.state.IsTracking = true
	g.state.LastActivityAt = g.now()
	g.stop = make(chan struct{})
	stop, interval := g.stop, g.tickInterval
	g.mu.Unlock()

	go g.loop(stop, interval)
}

func (g *Gate) loop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}

// Tick advances the dwell counter by one second when the page is visible and
// the reader was active recently. Time never catches up: a skipped tick is lost.
func (g *Gate) Tick() {
	g.mu.Lock()
	if !g.state.IsTracking || !g.state.IsPageVisible {
		g.mu.Unlock()
		return
	}
	if g.now().Sub(g.state.LastActivityAt) >= g.activityTimeout {
		g.mu.Unlock()
		return
	}

	g.state.ElapsedSeconds++

	var fire func()
	if !g.state.ThresholdFired && g.state.Threshold > 0 && g.state.ElapsedSeconds >= g.state.Threshold {
		g.state.ThresholdFired = true
		fire = g.onThreshold
		log.Printf("Dwell threshold reached after %ds", g.state.ElapsedSeconds)
	}
	g.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordActivity notes a scroll, pointer, key or touch event.
func (g *Gate) RecordActivity(kind ActivityKind) {
	g.mu.Lock()
	g.state.LastActivityAt = g.now()
	g.mu.Unlock()
}

// SetVisible reports a page visibility transition. Hidden pages keep their
// accumulated dwell; returning to the page refreshes the activity stamp.
func (g *Gate) SetVisible(visible bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if visible && !g.state.IsPageVisible {
		g.state.LastActivityAt = g.now()
	}
	g.state.IsPageVisible = visible
}

// SetThreshold changes the threshold without touching elapsed time.
func (g *Gate) SetThreshold(seconds int) {
	if seconds <= 0 {
		return
	}
	g.mu.Lock()
	g.state.Threshold = seconds
	g.mu.Unlock()
}

// Reset zeroes the counters so a new session can be earned. Tracking continues.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.state.ElapsedSeconds = 0
	g.state.ThresholdFired = false
	g.state.LastActivityAt = g.now()
	g.mu.Unlock()
}

// Stop halts the tick loop and drops the callback. Safe to call more than
// once, including from inside the threshold callback.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
	g.state.IsTracking = false
	g.onThreshold = nil
}

// State returns a copy of the current counters.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Phase derives the coarse state from the counters.
func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case !g.state.IsTracking:
		return PhaseIdle
	case g.state.ThresholdFired:
		return PhaseThresholdReached
	case !g.state.IsPageVisible || g.now().Sub(g.state.LastActivityAt) >= g.activityTimeout:
		return PhasePaused
	default:
		return PhaseTracking
	}
}
