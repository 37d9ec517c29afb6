package summary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/Reflector/internal/llm"
)

const (
	DefaultRevealStep     = 3
	DefaultRevealInterval = 20 * time.Millisecond
)

// ErrNoStreamData means streaming failed before any text arrived; the caller
// should retry with a one-shot request.
var ErrNoStreamData = errors.New("stream produced no data")

// ErrSuperseded is returned by Run when a newer Run or Cancel on the same slot
// replaced the attempt while the caller's context was still live. It wraps
// context.Canceled.
var ErrSuperseded = fmt.Errorf("summary attempt superseded: %w", context.Canceled)

// Session is the visible state of one summary attempt.
type Session struct {
	RawBuffer      string
	DisplayedLines []string
	RevealCursor   int
	StreamComplete bool
	Format         Format
}

// Mode says how a summary was obtained.
type Mode string

const (
	ModeStreamed Mode = "streamed"
	ModeBatch    Mode = "batch"
	ModeManual   Mode = "manual"
)

// Phase is the per-slot controller state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseFallback  Phase = "fallback"
	PhaseComplete  Phase = "complete"
)

// Outcome is the result of Run. Success is true only when a complete summary
// with at least one line was produced. Partial marks a stream that failed
// after some text arrived; its text is kept.
type Outcome struct {
	Session Session
	Mode    Mode
	Success bool
	Partial bool
}

// Lines returns the final display lines.
func (o Outcome) Lines() []string {
	return o.Session.DisplayedLines
}

// Source produces summaries.
type Source interface {
	StreamSummary(ctx context.Context, req llm.SummaryRequest) (*llm.Stream, error)
	Summarize(ctx context.Context, req llm.SummaryRequest) (string, error)
}

// RenderFunc receives every visible change of a slot's summary.
type RenderFunc func(slot string, s Session)

// Controller runs summary attempts. Each attempt occupies a named slot; a new
// attempt on a slot cancels the previous one first.
type Controller struct {
	source    Source
	step      int
	interval  time.Duration
	render    RenderFunc
	streaming bool

	mu     sync.Mutex
	slots  map[string]*attempt
	phases map[string]Phase
}

// Option configures a Controller.
type Option func(*Controller)

// WithRevealStep sets how many runes each reveal step uncovers.
func WithRevealStep(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.step = n
		}
	}
}

// WithRevealInterval sets the delay between reveal steps.
func WithRevealInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRenderer sets the render sink.
func WithRenderer(fn RenderFunc) Option {
	return func(c *Controller) { c.render = fn }
}

// WithStreaming toggles streaming; when off every attempt is a batch request.
func WithStreaming(enabled bool) Option {
	return func(c *Controller) { c.streaming = enabled }
}

// NewController creates a controller reading from source.
func NewController(source Source, opts ...Option) *Controller {
	c := &Controller{
		source:    source,
		step:      DefaultRevealStep,
		interval:  DefaultRevealInterval,
		render:    func(string, Session) {},
		streaming: true,
		slots:     make(map[string]*attempt),
		phases:    make(map[string]Phase),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// attempt holds the cleanups of one run. Cleanups run at most once.
type attempt struct {
	mu         sync.Mutex
	done       bool
	superseded bool
	fns        []func()
}

func (a *attempt) add(fn func()) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		fn()
		return
	}
	a.fns = append(a.fns, fn)
	a.mu.Unlock()
}

func (a *attempt) cleanup() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	fns := a.fns
	a.fns = nil
	a.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// supersede marks the attempt as replaced and runs its cleanups.
func (a *attempt) supersede() {
	a.mu.Lock()
	if !a.done {
		a.superseded = true
	}
	a.mu.Unlock()
	a.cleanup()
}

func (a *attempt) wasSuperseded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.superseded
}

func (c *Controller) begin(slot string) *attempt {
	att := &attempt{}
	c.mu.Lock()
	prev := c.slots[slot]
	c.slots[slot] = att
	c.phases[slot] = PhaseStreaming
	c.mu.Unlock()

	if prev != nil {
		prev.supersede()
	}
	return att
}

func (c *Controller) finish(slot string, att *attempt, phase Phase) {
	c.mu.Lock()
	if c.slots[slot] == att {
		delete(c.slots, slot)
		c.phases[slot] = phase
	}
	c.mu.Unlock()
	att.cleanup()
}

// emit renders s unless the attempt has been replaced or cancelled.
func (c *Controller) emit(slot string, att *attempt, s Session) {
	c.mu.Lock()
	current := c.slots[slot] == att
	c.mu.Unlock()
	if current {
		c.render(slot, s)
	}
}

func (c *Controller) setPhase(slot string, att *attempt, phase Phase) {
	c.mu.Lock()
	if c.slots[slot] == att {
		c.phases[slot] = phase
	}
	c.mu.Unlock()
}

// Phase returns the state of a slot.
func (c *Controller) Phase(slot string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[slot]; ok {
		return p
	}
	return PhaseIdle
}

// Cancel stops the attempt running on slot, if any: its stream is closed and
// its reveal timer stopped. The cancelled Run returns ErrSuperseded. Calling
// it again is harmless.
func (c *Controller) Cancel(slot string) {
	c.mu.Lock()
	att := c.slots[slot]
	delete(c.slots, slot)
	c.phases[slot] = PhaseIdle
	c.mu.Unlock()

	if att != nil {
		att.supersede()
	}
}

// Teardown cancels every outstanding attempt.
func (c *Controller) Teardown() {
	c.mu.Lock()
	atts := c.slots
	c.slots = make(map[string]*attempt)
	c.phases = make(map[string]Phase)
	c.mu.Unlock()

	for _, att := range atts {
		att.cleanup()
	}
}

// Run produces a summary on slot. It blocks until the summary is fully
// revealed, the attempt is cancelled, or ctx ends. Backend failures never
// surface as errors: they degrade to a partial or manual outcome. Only
// cancellation returns an error: ErrSuperseded when another Run or Cancel on
// the slot took over, ctx's error when ctx ended.
func (c *Controller) Run(ctx context.Context, slot string, req llm.SummaryRequest) (Outcome, error) {
	format, err := ParseFormat(req.Format)
	if err != nil {
		return Outcome{}, err
	}
	req.Format = string(format)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	att := c.begin(slot)
	att.add(cancel)

	out, err := c.run(ctx, slot, att, req, format)
	c.finish(slot, att, phaseFor(err))
	if err != nil && parent.Err() == nil && att.wasSuperseded() {
		return out, ErrSuperseded
	}
	return out, err
}

func (c *Controller) run(ctx context.Context, slot string, att *attempt, req llm.SummaryRequest, format Format) (Outcome, error) {
	if c.streaming && format.Streamable() {
		out, err := c.runStream(ctx, slot, att, req, format)
		if !errors.Is(err, ErrNoStreamData) {
			return out, err
		}
		log.Printf("Streaming summary failed, falling back to batch: %v", err)
		c.setPhase(slot, att, PhaseFallback)
	}
	return c.runBatch(ctx, slot, att, req, format)
}

func phaseFor(err error) Phase {
	if err != nil {
		return PhaseIdle
	}
	return PhaseComplete
}

func (c *Controller) runStream(ctx context.Context, slot string, att *attempt, req llm.SummaryRequest, format Format) (Outcome, error) {
	stream, err := c.source.StreamSummary(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrNoStreamData, err)
	}
	att.add(stream.Cancel)

	var (
		sess    = Session{Format: format}
		buf     []rune
		cursor  int
		chunks  int
		partial bool
		events  = stream.Events
		ticker  *time.Ticker
		tick    <-chan time.Time
	)

	startReveal := func() {
		if ticker == nil {
			ticker = time.NewTicker(c.interval)
			tick = ticker.C
		}
	}
	stopReveal := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopReveal()

	frame := func() {
		sess.RawBuffer = string(buf)
		sess.RevealCursor = cursor
		sess.DisplayedLines = ParseBuffer(string(buf[:cursor]), format)
		c.emit(slot, att, sess)
	}
	done := func() (Outcome, error) {
		success := !partial && len(sess.DisplayedLines) > 0
		return Outcome{Session: sess, Mode: ModeStreamed, Success: success, Partial: partial}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{Session: sess, Mode: ModeStreamed}, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				ev = llm.StreamEvent{Type: llm.EventError, Err: llm.ErrDisconnected}
			}
			switch ev.Type {
			case llm.EventChunk:
				buf = append(buf, []rune(ev.Data)...)
				sess.RawBuffer = string(buf)
				chunks++
				startReveal()

			case llm.EventComplete:
				events = nil
				if strings.TrimSpace(ev.Data) != "" {
					buf = []rune(ev.Data)
					cursor = min(cursor, len(buf))
					frame()
				}
				// An empty completion is treated like a disconnect before any
				// chunk and retried as a batch request.
				if chunks == 0 && len(buf) == 0 {
					return Outcome{}, fmt.Errorf("%w: empty completion", ErrNoStreamData)
				}
				sess.StreamComplete = true
				sess.RawBuffer = string(buf)
				if cursor >= len(buf) {
					return done()
				}
				startReveal()

			case llm.EventError:
				if chunks == 0 {
					return Outcome{}, fmt.Errorf("%w: %v", ErrNoStreamData, ev.Err)
				}
				log.Printf("Summary stream failed after %d chunks, keeping partial text: %v", chunks, ev.Err)
				events = nil
				partial = true
				if cursor >= len(buf) {
					return done()
				}
				startReveal()
			}

		case <-tick:
			cursor = Advance(len(buf), cursor, c.step)
			frame()
			if cursor >= len(buf) {
				stopReveal()
				if sess.StreamComplete || partial {
					return done()
				}
			}
		}
	}
}

func (c *Controller) runBatch(ctx context.Context, slot string, att *attempt, req llm.SummaryRequest, format Format) (Outcome, error) {
	text, err := c.source.Summarize(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Mode: ModeBatch}, ctxErr
		}
		log.Printf("Batch summary failed, switching to manual mode: %v", err)
		sess := Session{Format: format, StreamComplete: true}
		c.emit(slot, att, sess)
		return Outcome{Session: sess, Mode: ModeManual}, nil
	}

	lines := ParseBuffer(text, format)
	sess := Session{
		RawBuffer:      text,
		DisplayedLines: lines,
		RevealCursor:   len([]rune(text)),
		StreamComplete: true,
		Format:         format,
	}
	c.emit(slot, att, sess)
	return Outcome{Session: sess, Mode: ModeBatch, Success: len(lines) > 0}, nil
}
