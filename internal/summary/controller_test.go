package summary

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/TobiSchelling/Reflector/internal/llm"
)

type producer func(ctx context.Context, emit llm.Emitter)

// scriptedSource hands out one producer per StreamSummary call and answers
// batch requests with a fixed reply.
type scriptedSource struct {
	mu        sync.Mutex
	producers []producer
	streamErr error
	batch     string
	batchErr  error
	batchHits int
	started   chan struct{}
}

func (s *scriptedSource) StreamSummary(ctx context.Context, _ llm.SummaryRequest) (*llm.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	if len(s.producers) == 0 {
		return nil, errors.New("no stream scripted")
	}
	p := s.producers[0]
	s.producers = s.producers[1:]
	if s.started != nil {
		s.started <- struct{}{}
	}
	return llm.NewStream(ctx, p), nil
}

func (s *scriptedSource) Summarize(ctx context.Context, _ llm.SummaryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchHits++
	return s.batch, s.batchErr
}

func chunks(parts []string, final llm.StreamEvent) producer {
	return func(ctx context.Context, emit llm.Emitter) {
		for _, p := range parts {
			if !emit(llm.StreamEvent{Type: llm.EventChunk, Data: p}) {
				return
			}
		}
		emit(final)
	}
}

func blocking(parts ...string) producer {
	return func(ctx context.Context, emit llm.Emitter) {
		for _, p := range parts {
			emit(llm.StreamEvent{Type: llm.EventChunk, Data: p})
		}
		<-ctx.Done()
	}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []Session
}

func (r *frameRecorder) render(_ string, s Session) {
	r.mu.Lock()
	r.frames = append(r.frames, s)
	r.mu.Unlock()
}

func (r *frameRecorder) snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.frames...)
}

func newTestController(src Source, rec *frameRecorder) *Controller {
	return NewController(src,
		WithRevealInterval(time.Millisecond),
		WithRenderer(rec.render),
	)
}

func TestRunStreamRevealsWholeSummary(t *testing.T) {
	src := &scriptedSource{producers: []producer{
		chunks([]string{"- Tide pools\n", "- Anemones close\n", "- Step carefully"}, llm.StreamEvent{Type: llm.EventComplete}),
	}}
	rec := &frameRecorder{}
	c := newTestController(src, rec)

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{Format: "bullets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.Mode != ModeStreamed || out.Partial {
		t.Errorf("unexpected outcome %+v", out)
	}
	want := []string{"Tide pools", "Anemones close", "Step carefully"}
	if !reflect.DeepEqual(out.Lines(), want) {
		t.Errorf("expected %q, got %q", want, out.Lines())
	}
	if !out.Session.StreamComplete {
		t.Error("expected stream to be marked complete")
	}
	if c.Phase("summary") != PhaseComplete {
		t.Errorf("expected complete phase, got %s", c.Phase("summary"))
	}
}

func TestRevealCursorInvariant(t *testing.T) {
	src := &scriptedSource{producers: []producer{
		chunks([]string{"- Ünïcödé bullet one\n", "- second ", "bullet\n- third"}, llm.StreamEvent{Type: llm.EventComplete}),
	}}
	rec := &frameRecorder{}
	c := newTestController(src, rec)

	if _, err := c.Run(context.Background(), "summary", llm.SummaryRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := rec.snapshot()
	if len(frames) == 0 {
		t.Fatal("expected reveal frames")
	}
	prev := 0
	for i, f := range frames {
		raw := []rune(f.RawBuffer)
		if f.RevealCursor < 0 || f.RevealCursor > len(raw) {
			t.Fatalf("frame %d: cursor %d outside [0, %d]", i, f.RevealCursor, len(raw))
		}
		if f.RevealCursor < prev {
			t.Fatalf("frame %d: cursor moved backwards from %d to %d", i, prev, f.RevealCursor)
		}
		prev = f.RevealCursor
		want := ParseBuffer(string(raw[:f.RevealCursor]), f.Format)
		if !reflect.DeepEqual(f.DisplayedLines, want) {
			t.Fatalf("frame %d: displayed %q, want %q", i, f.DisplayedLines, want)
		}
	}
}

func TestRunStreamSoftFailureKeepsPartialText(t *testing.T) {
	src := &scriptedSource{producers: []producer{
		chunks([]string{"Hello", " world"}, llm.StreamEvent{Type: llm.EventError, Err: llm.ErrDisconnected}),
	}}
	rec := &frameRecorder{}
	c := newTestController(src, rec)

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{Format: "paragraph"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success {
		t.Error("expected soft failure to resolve false")
	}
	if !out.Partial {
		t.Error("expected partial outcome")
	}
	if got := strings.Join(out.Lines(), ""); got != "Hello world" {
		t.Errorf("expected 'Hello world' to stay displayed, got %q", got)
	}
	if src.batchHits != 0 {
		t.Errorf("expected no batch retry after partial data, got %d", src.batchHits)
	}
}

func TestRunFallsBackToBatchWithoutChunks(t *testing.T) {
	src := &scriptedSource{
		producers: []producer{
			chunks(nil, llm.StreamEvent{Type: llm.EventError, Err: llm.ErrDisconnected}),
		},
		batch: "- From batch\n- Second",
	}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ModeBatch || !out.Success {
		t.Errorf("expected successful batch outcome, got %+v", out)
	}
	if !reflect.DeepEqual(out.Lines(), []string{"From batch", "Second"}) {
		t.Errorf("unexpected lines %q", out.Lines())
	}
}

func TestRunFallsBackOnEmptyCompletion(t *testing.T) {
	src := &scriptedSource{
		producers: []producer{chunks(nil, llm.StreamEvent{Type: llm.EventComplete})},
		batch:     "- From batch",
	}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ModeBatch || src.batchHits != 1 {
		t.Errorf("expected one batch request, got mode %s and %d hits", out.Mode, src.batchHits)
	}
}

func TestRunFallsBackWhenStreamSetupFails(t *testing.T) {
	src := &scriptedSource{streamErr: llm.ErrStreamingUnsupported, batch: "Only paragraph."}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{Format: "paragraph"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ModeBatch || src.batchHits != 1 {
		t.Errorf("expected one batch request, got mode %s and %d hits", out.Mode, src.batchHits)
	}
}

func TestRunHeadlineSkipsStreaming(t *testing.T) {
	src := &scriptedSource{batch: "Headline\n- one"}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{Format: "headline-bullets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ModeBatch {
		t.Errorf("expected batch mode, got %s", out.Mode)
	}
	if !reflect.DeepEqual(out.Lines(), []string{"Headline", "one"}) {
		t.Errorf("unexpected lines %q", out.Lines())
	}
}

func TestRunBatchFailureIsManual(t *testing.T) {
	src := &scriptedSource{streamErr: errors.New("offline"), batchErr: errors.New("offline")}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
	if err != nil {
		t.Fatalf("batch failure should not surface as an error, got %v", err)
	}
	if out.Mode != ModeManual || out.Success || len(out.Lines()) != 0 {
		t.Errorf("expected empty manual outcome, got %+v", out)
	}
}

func TestCompleteTextReplacesChunks(t *testing.T) {
	src := &scriptedSource{producers: []producer{
		chunks([]string{"- draf"}, llm.StreamEvent{Type: llm.EventComplete, Data: "- Final one\n- Final two"}),
	}}
	c := newTestController(src, &frameRecorder{})

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out.Lines(), []string{"Final one", "Final two"}) {
		t.Errorf("expected final text to win, got %q", out.Lines())
	}
}

func TestCompleteWithoutChunksStillAnimates(t *testing.T) {
	src := &scriptedSource{producers: []producer{
		chunks(nil, llm.StreamEvent{Type: llm.EventComplete, Data: "All at once."}),
	}}
	rec := &frameRecorder{}
	c := newTestController(src, rec)

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{Format: "paragraph"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.Lines()[0] != "All at once." {
		t.Errorf("unexpected outcome %+v", out)
	}
	if n := len(rec.snapshot()); n < 2 {
		t.Errorf("expected the text to be revealed over several frames, got %d", n)
	}
}

func TestNewRunCancelsPreviousAttempt(t *testing.T) {
	src := &scriptedSource{
		producers: []producer{
			blocking("- stale"),
			chunks([]string{"- fresh"}, llm.StreamEvent{Type: llm.EventComplete}),
		},
		started: make(chan struct{}, 2),
	}
	c := newTestController(src, &frameRecorder{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
		firstErr <- err
	}()
	<-src.started

	out, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out.Lines(), []string{"fresh"}) {
		t.Errorf("stale text leaked into new attempt: %q", out.Lines())
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected first attempt to be superseded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never returned")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	src := &scriptedSource{producers: []producer{blocking("- a")}, started: make(chan struct{}, 1)}
	c := newTestController(src, &frameRecorder{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "summary", llm.SummaryRequest{})
		done <- err
	}()
	<-src.started

	c.Cancel("summary")
	c.Cancel("summary")
	c.Cancel("unknown")

	if err := <-done; !errors.Is(err, ErrSuperseded) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected superseded cancellation, got %v", err)
	}
	if c.Phase("summary") != PhaseIdle {
		t.Errorf("expected idle phase, got %s", c.Phase("summary"))
	}
}

func TestCallerCancelIsNotSuperseded(t *testing.T) {
	src := &scriptedSource{producers: []producer{blocking("- a")}, started: make(chan struct{}, 1)}
	c := newTestController(src, &frameRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, "summary", llm.SummaryRequest{})
		done <- err
	}()
	<-src.started
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if errors.Is(err, ErrSuperseded) {
		t.Error("a cancelled caller context must not report a superseded attempt")
	}
}

func TestTeardownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &scriptedSource{
		producers: []producer{blocking("- one"), blocking("- two")},
		started:   make(chan struct{}, 2),
	}
	c := newTestController(src, &frameRecorder{})

	var wg sync.WaitGroup
	for _, slot := range []string{"summary", "translation"} {
		wg.Add(1)
		go func(slot string) {
			defer wg.Done()
			c.Run(context.Background(), slot, llm.SummaryRequest{})
		}(slot)
	}
	<-src.started
	<-src.started

	c.Teardown()
	wg.Wait()
}
