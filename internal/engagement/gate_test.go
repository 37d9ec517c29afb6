package engagement

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestGate returns a started gate whose background loop never ticks, so
// tests drive it with Tick and the fake clock.
func newTestGate(t *testing.T, threshold int) (*Gate, *fakeClock, *int) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC)}
	g := NewGate(WithClock(clock.now), WithTickInterval(time.Hour))
	fired := 0
	g.OnThreshold(func() { fired++ })
	g.Start(threshold)
	t.Cleanup(g.Stop)
	return g, clock, &fired
}

// activeTick simulates one second of reading with activity.
func activeTick(g *Gate, clock *fakeClock) {
	clock.advance(time.Second)
	g.RecordActivity(ActivityScroll)
	g.Tick()
}

func TestTickCountsActiveVisibleSeconds(t *testing.T) {
	g, clock, _ := newTestGate(t, 10)
	for i := 0; i < 5; i++ {
		activeTick(g, clock)
	}
	if got := g.State().ElapsedSeconds; got != 5 {
		t.Errorf("expected 5 elapsed seconds, got %d", got)
	}
	if g.Phase() != PhaseTracking {
		t.Errorf("expected tracking phase, got %s", g.Phase())
	}
}

func TestThresholdFiresExactlyOnce(t *testing.T) {
	g, clock, fired := newTestGate(t, 3)
	for i := 0; i < 10; i++ {
		activeTick(g, clock)
	}
	if *fired != 1 {
		t.Errorf("expected callback once, got %d", *fired)
	}
	if !g.State().ThresholdFired {
		t.Error("expected ThresholdFired")
	}
	if g.Phase() != PhaseThresholdReached {
		t.Errorf("expected threshold_reached phase, got %s", g.Phase())
	}
}

func TestResetRearms(t *testing.T) {
	g, clock, fired := newTestGate(t, 2)
	activeTick(g, clock)
	activeTick(g, clock)
	if *fired != 1 {
		t.Fatalf("expected first crossing to fire, got %d", *fired)
	}

	g.Reset()
	st := g.State()
	if st.ElapsedSeconds != 0 || st.ThresholdFired {
		t.Fatalf("expected zeroed state after reset, got %+v", st)
	}
	if !st.IsTracking {
		t.Error("expected tracking to continue after reset")
	}

	prev := 0
	for i := 0; i < 4; i++ {
		activeTick(g, clock)
		cur := g.State().ElapsedSeconds
		if cur < prev {
			t.Fatalf("elapsed decreased from %d to %d", prev, cur)
		}
		prev = cur
	}
	if *fired != 2 {
		t.Errorf("expected one more firing after reset, got %d total", *fired)
	}
}

func TestIdlePausesCounting(t *testing.T) {
	g, clock, _ := newTestGate(t, 1000)
	for i := 0; i < 120; i++ {
		clock.advance(time.Second)
		g.Tick()
	}
	got := g.State().ElapsedSeconds
	if got > 30 {
		t.Errorf("expected idle reader to stop accruing dwell, got %d", got)
	}
	if g.Phase() != PhasePaused {
		t.Errorf("expected paused phase, got %s", g.Phase())
	}

	// Activity resumes counting but does not catch up lost time.
	activeTick(g, clock)
	if g.State().ElapsedSeconds != got+1 {
		t.Errorf("expected %d after activity, got %d", got+1, g.State().ElapsedSeconds)
	}
}

func TestHiddenPageKeepsElapsed(t *testing.T) {
	g, clock, _ := newTestGate(t, 100)
	activeTick(g, clock)
	activeTick(g, clock)

	g.SetVisible(false)
	for i := 0; i < 5; i++ {
		activeTick(g, clock)
	}
	if got := g.State().ElapsedSeconds; got != 2 {
		t.Errorf("expected hidden ticks to be ignored, got %d", got)
	}
	if g.Phase() != PhasePaused {
		t.Errorf("expected paused phase while hidden, got %s", g.Phase())
	}

	// Long absence: coming back refreshes activity so the first tick counts.
	clock.advance(10 * time.Minute)
	g.SetVisible(true)
	clock.advance(time.Second)
	g.Tick()
	if got := g.State().ElapsedSeconds; got != 3 {
		t.Errorf("expected tracking to resume without idle penalty, got %d", got)
	}
}

func TestSetThresholdKeepsElapsed(t *testing.T) {
	g, clock, fired := newTestGate(t, 100)
	for i := 0; i < 5; i++ {
		activeTick(g, clock)
	}
	g.SetThreshold(6)
	if g.State().ElapsedSeconds != 5 {
		t.Fatalf("expected elapsed preserved, got %d", g.State().ElapsedSeconds)
	}
	activeTick(g, clock)
	if *fired != 1 {
		t.Errorf("expected firing on next tick after lowering threshold, got %d", *fired)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	g, clock, _ := newTestGate(t, 10)
	activeTick(g, clock)
	g.Start(50)
	st := g.State()
	if st.Threshold != 10 {
		t.Errorf("expected second Start to be ignored, threshold %d", st.Threshold)
	}
	if st.ElapsedSeconds != 1 {
		t.Errorf("expected elapsed kept, got %d", st.ElapsedSeconds)
	}
}

func TestStopIsSafeAndHaltsTracking(t *testing.T) {
	g, clock, fired := newTestGate(t, 1)
	g.Stop()
	g.Stop()

	activeTick(g, clock)
	if g.State().ElapsedSeconds != 0 {
		t.Error("expected no ticking after stop")
	}
	if *fired != 0 {
		t.Error("expected no callback after stop")
	}
	if g.Phase() != PhaseIdle {
		t.Errorf("expected idle phase after stop, got %s", g.Phase())
	}
}

func TestStopFromCallback(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := NewGate(WithClock(clock.now), WithTickInterval(time.Hour))
	g.OnThreshold(g.Stop)
	g.Start(1)
	activeTick(g, clock)
	if g.State().IsTracking {
		t.Error("expected callback to stop the gate")
	}
}

func TestLoopTicks(t *testing.T) {
	g := NewGate(WithTickInterval(5 * time.Millisecond))
	done := make(chan struct{})
	g.OnThreshold(func() { close(done) })
	g.Start(2)
	defer g.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected threshold from background loop")
	}
}
