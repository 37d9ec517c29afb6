// Package session runs reflection sessions: once the reader has dwelt on a
// page long enough it extracts the article, detects its language, streams a
// summary, translates it when useful and finally stores the reader's
// reflections.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/Reflector/internal/config"
	"github.com/TobiSchelling/Reflector/internal/database"
	"github.com/TobiSchelling/Reflector/internal/engagement"
	"github.com/TobiSchelling/Reflector/internal/extract"
	"github.com/TobiSchelling/Reflector/internal/fetch"
	"github.com/TobiSchelling/Reflector/internal/langdetect"
	"github.com/TobiSchelling/Reflector/internal/llm"
	"github.com/TobiSchelling/Reflector/internal/summary"
	"github.com/TobiSchelling/Reflector/internal/translate"
)

const summarySlot = "summary"

var (
	// ErrStorageFull is returned by Save when the reflection could not be
	// stored for lack of space. The session stays open so it can be exported.
	ErrStorageFull = database.ErrStorageFull
	// ErrNoSession is returned when an operation needs a running session.
	ErrNoSession = errors.New("no active reflection session")
)

// Phase is where a session stands.
type Phase string

const (
	PhaseExtracting  Phase = "extracting"
	PhaseDetecting   Phase = "detecting"
	PhaseSummarizing Phase = "summarizing"
	PhaseTranslating Phase = "translating"
	PhaseReflecting  Phase = "reflecting"
	PhaseSaved       Phase = "saved"
	PhaseCancelled   Phase = "cancelled"
)

// State is everything one session shows. It is created when a session starts,
// changed only through the Orchestrator and dropped on save or cancel.
type State struct {
	ID          string                  `json:"id"`
	URL         string                  `json:"url"`
	Content     *extract.Content        `json:"content,omitempty"`
	Truncated   bool                    `json:"truncated"`
	Tokens      extract.TokenCheck      `json:"tokens"`
	Detection   langdetect.Detection    `json:"detection"`
	Language    translate.LanguageState `json:"language"`
	Format      summary.Format          `json:"format"`
	Summary     []string                `json:"summary"`
	SummaryMode summary.Mode            `json:"summary_mode,omitempty"`
	Manual      bool                    `json:"manual"`
	Loading     bool                    `json:"loading"`
	Phase       Phase                   `json:"phase"`
	Reflections []string                `json:"reflections,omitempty"`
	Notice      string                  `json:"notice,omitempty"`
	StartedAt   time.Time               `json:"started_at"`

	// gen counts the summary rewrites (format change, manual translation)
	// started on this session. A step only applies its result while gen is
	// still the value it started with.
	gen int
}

// SummaryLanguage is the language the summary is currently written in.
func (s *State) SummaryLanguage() string {
	if s.Language.CurrentTarget != "" {
		return s.Language.CurrentTarget
	}
	if s.Language.OriginalDetected != "" {
		return s.Language.OriginalDetected
	}
	return langdetect.DefaultLanguage
}

func (s *State) snapshot() State {
	c := *s
	c.Summary = append([]string(nil), s.Summary...)
	c.Reflections = append([]string(nil), s.Reflections...)
	return c
}

// Backend is the AI side of a session.
type Backend interface {
	summary.Source
	Available(ctx context.Context) bool
	DetectLanguage(ctx context.Context, text string) (langdetect.Detection, error)
}

// StartOptions tune a single session.
type StartOptions struct {
	// Format overrides the configured default summary format.
	Format summary.Format
}

// StartOption configures Start.
type StartOption func(*StartOptions)

// WithFormat asks for the summary in format instead of the default one.
func WithFormat(format summary.Format) StartOption {
	return func(o *StartOptions) { o.Format = format }
}

// ReflectionStore persists finished sessions.
type ReflectionStore interface {
	InsertReflection(r *database.Reflection) (int64, error)
}

// RenderFunc receives a copy of the state after every visible change.
type RenderFunc func(State)

// Deps are the collaborators of an Orchestrator. Gate, Store and Render are
// optional.
type Deps struct {
	Config     *config.Config
	Gate       *engagement.Gate
	Extractor  *extract.Extractor
	Backend    Backend
	Decider    *translate.Decider
	Store      ReflectionStore
	Render     RenderFunc
	Controller []summary.Option
}

// Orchestrator sequences the steps of a session. It holds at most one
// session at a time.
type Orchestrator struct {
	cfg        *config.Config
	gate       *engagement.Gate
	extractor  *extract.Extractor
	backend    Backend
	decider    *translate.Decider
	store      ReflectionStore
	render     RenderFunc
	controller *summary.Controller

	mu      sync.Mutex
	current *State
	// stop cancels the context of the running Start call.
	stop context.CancelFunc
}

// New wires an orchestrator.
func New(deps Deps) *Orchestrator {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:       cfg,
		gate:      deps.Gate,
		extractor: deps.Extractor,
		backend:   deps.Backend,
		decider:   deps.Decider,
		store:     deps.Store,
		render:    deps.Render,
	}
	if o.extractor == nil {
		o.extractor = extract.New()
	}
	if o.render == nil {
		o.render = func(State) {}
	}
	if o.decider == nil {
		o.decider = translate.NewDecider(nil, nil, translate.Preferences{})
	}

	opts := []summary.Option{summary.WithStreaming(cfg.Summarization.Streaming)}
	opts = append(opts, deps.Controller...)
	opts = append(opts, summary.WithRenderer(o.onFrame))
	o.controller = summary.NewController(deps.Backend, opts...)
	return o
}

// Current returns a copy of the running session, if any.
func (o *Orchestrator) Current() (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return State{}, false
	}
	return o.current.snapshot(), true
}

// Lookup returns the running session if its ID is id. The returned pointer
// is only meant to be handed back to the Orchestrator; read it through Current.
func (o *Orchestrator) Lookup(id string) (*State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != id {
		return nil, false
	}
	return o.current, true
}

// Arm starts the engagement gate. When the reader crosses the dwell threshold
// page is called and a session is started for it; done receives the result.
// A threshold crossed while a session is open is ignored.
func (o *Orchestrator) Arm(ctx context.Context, page func() (*fetch.Page, error), done func(*State, error)) error {
	if o.gate == nil {
		return errors.New("no engagement gate configured")
	}
	if done == nil {
		done = func(*State, error) {}
	}
	o.gate.OnThreshold(func() {
		go func() {
			if _, busy := o.Current(); busy {
				log.Printf("Dwell threshold reached during an open session, ignoring")
				return
			}
			p, err := page()
			if err != nil {
				done(nil, fmt.Errorf("loading page: %w", err))
				return
			}
			done(o.Start(ctx, p))
		}()
	})
	o.gate.Start(o.cfg.Settings.DwellThreshold)
	return nil
}

func (o *Orchestrator) publish(st *State) {
	o.mu.Lock()
	active := o.current == st
	var snap State
	if active {
		snap = st.snapshot()
	}
	o.mu.Unlock()
	if active {
		o.render(snap)
	}
}

func (o *Orchestrator) update(st *State, fn func(*State)) {
	o.mu.Lock()
	fn(st)
	o.mu.Unlock()
	o.publish(st)
}

func (o *Orchestrator) atGen(st *State, gen int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return st.gen == gen && o.current == st
}

// updateIf applies fn only while st is still at generation gen.
func (o *Orchestrator) updateIf(st *State, gen int, fn func(*State)) bool {
	o.mu.Lock()
	ok := st.gen == gen
	if ok {
		fn(st)
	}
	o.mu.Unlock()
	if ok {
		o.publish(st)
	}
	return ok
}

func (o *Orchestrator) onFrame(slot string, s summary.Session) {
	if slot != summarySlot {
		return
	}
	o.mu.Lock()
	st := o.current
	if st != nil {
		st.Summary = append([]string(nil), s.DisplayedLines...)
	}
	o.mu.Unlock()
	if st != nil {
		o.publish(st)
	}
}

// Start runs a session for page: extraction, then language detection, then
// summarization, then the auto-translate check. Recoverable failures leave
// the session in a degraded but usable state; only cancellation returns an
// error. A format change or translation requested while the first summary is
// still running takes the session over: Start then returns the open session
// without an error and leaves the rest to that operation.
func (o *Orchestrator) Start(ctx context.Context, page *fetch.Page, opts ...StartOption) (*State, error) {
	st, err := o.start(ctx, page, opts)
	if err != nil && ctx.Err() != nil && o.checkActive(st) == nil {
		o.Reset()
	}
	return st, err
}

func (o *Orchestrator) start(ctx context.Context, page *fetch.Page, opts []StartOption) (*State, error) {
	var so StartOptions
	for _, opt := range opts {
		opt(&so)
	}
	format, err := summary.ParseFormat(o.cfg.Settings.DefaultSummaryFormat)
	if err != nil {
		format = summary.FormatBullets
	}
	if so.Format != "" {
		if format, err = summary.ParseFormat(string(so.Format)); err != nil {
			return nil, err
		}
	}
	st := &State{
		ID:        uuid.NewString(),
		URL:       page.URL,
		Format:    format,
		Phase:     PhaseExtracting,
		Loading:   true,
		StartedAt: time.Now(),
		Language: translate.LanguageState{
			PreferredBaseline: langdetect.Normalize(o.cfg.Settings.PreferredTranslationLanguage),
		},
	}

	ctx, stop := context.WithCancel(ctx)
	o.mu.Lock()
	prev, prevStop := o.current, o.stop
	o.current, o.stop = st, stop
	o.mu.Unlock()
	if prev != nil {
		prevStop()
		o.controller.Teardown()
	}
	o.publish(st)

	content := o.extractor.ExtractWithMetadata(page.Doc, page.URL, page.Meta)
	check := extract.CheckTokenLimit(content)
	if check.Exceeds {
		log.Printf("Content of %s is ~%d tokens, truncating", page.URL, check.Tokens)
		content = extract.GetTruncatedContent(content)
	}
	o.update(st, func(s *State) {
		s.Content = content
		s.Tokens = check
		s.Truncated = check.Exceeds
	})

	if !o.backend.Available(ctx) {
		log.Printf("AI backend unavailable, switching %s to manual mode", page.URL)
		o.update(st, func(s *State) {
			s.Manual = true
			s.Loading = false
			s.Phase = PhaseReflecting
			s.Notice = "AI summaries are unavailable. Write your own summary."
		})
		return st, nil
	}

	o.update(st, func(s *State) { s.Phase = PhaseDetecting })
	det := o.detect(ctx, content.Text)
	if err := o.stillRunning(ctx, st); err != nil {
		return st, err
	}
	o.update(st, func(s *State) {
		s.Detection = det
		s.Language.OriginalDetected = det.Language
	})

	const gen = 0
	err = o.summarize(ctx, st, det.Language, gen)
	if errors.Is(err, summary.ErrSuperseded) {
		log.Printf("Summary of %s was replaced by a newer request", st.URL)
		return st, nil
	}
	if err != nil {
		return st, err
	}

	if err := o.stillRunning(ctx, st); err != nil {
		return st, err
	}
	o.mu.Lock()
	lines := append([]string(nil), st.Summary...)
	manual, lang := st.Manual, st.Language
	o.mu.Unlock()

	if len(lines) > 0 && !manual {
		if !o.updateIf(st, gen, func(s *State) { s.Phase = PhaseTranslating }) {
			return st, nil
		}
		res := o.decider.MaybeTranslate(ctx, st.URL, det, lines, &lang)
		o.updateIf(st, gen, func(s *State) {
			s.Language = lang
			s.Summary = res.Lines
			if res.Partial {
				s.Notice = "Some summary lines could not be translated."
			}
		})
	}

	o.updateIf(st, gen, func(s *State) {
		s.Phase = PhaseReflecting
		s.Loading = false
	})
	return st, nil
}

func (o *Orchestrator) detect(ctx context.Context, text string) langdetect.Detection {
	det, err := o.backend.DetectLanguage(ctx, text)
	if err != nil || det.Language == "" {
		log.Printf("Language detection failed, assuming %s: %v", langdetect.DefaultLanguage, err)
		return langdetect.Detection{Language: langdetect.DefaultLanguage}
	}
	det.Language = langdetect.Normalize(det.Language)
	return det
}

// summarize runs the summary controller under the configured time budget.
// Running out of time switches the session to manual mode. It returns
// summary.ErrSuperseded once a newer rewrite took over st.
func (o *Orchestrator) summarize(ctx context.Context, st *State, lang string, gen int) error {
	var req llm.SummaryRequest
	ok := o.updateIf(st, gen, func(s *State) {
		s.Phase = PhaseSummarizing
		s.Loading = true
		s.Summary = nil
		s.Manual = false
		s.Notice = ""
		req = llm.SummaryRequest{
			Title:    s.Content.Title,
			Text:     s.Content.Text,
			Format:   string(s.Format),
			Language: lang,
		}
	})
	if !ok {
		return summary.ErrSuperseded
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SummaryTimeout())
	defer cancel()

	var out summary.Outcome
	var err error
	for {
		out, err = o.controller.Run(sctx, summarySlot, req)
		// A stale attempt that began after ours can displace it without a
		// newer rewrite; ours is then still wanted.
		if errors.Is(err, summary.ErrSuperseded) && ctx.Err() == nil && o.atGen(st, gen) {
			continue
		}
		break
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, summary.ErrSuperseded):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("Summary for %s timed out after %s", st.URL, o.cfg.SummaryTimeout())
		ok := o.updateIf(st, gen, func(s *State) {
			s.Manual = true
			s.Loading = false
			s.SummaryMode = summary.ModeManual
			s.Notice = "The summary took too long. Write your own summary."
		})
		if !ok {
			return summary.ErrSuperseded
		}
		return nil
	default:
		return err
	}

	ok = o.updateIf(st, gen, func(s *State) {
		s.Summary = out.Lines()
		s.SummaryMode = out.Mode
		s.Loading = false
		switch {
		case out.Mode == summary.ModeManual:
			s.Manual = true
			s.Notice = "The summary could not be generated. Write your own summary."
		case out.Partial:
			s.Notice = "The summary was cut short."
		}
	})
	if !ok {
		return summary.ErrSuperseded
	}
	return nil
}

// ChangeFormat stops the running summary and produces one in format.
func (o *Orchestrator) ChangeFormat(ctx context.Context, st *State, format string) error {
	f, err := summary.ParseFormat(format)
	if err != nil {
		return err
	}
	if err := o.checkActive(st); err != nil {
		return err
	}
	var gen int
	var lang string
	o.update(st, func(s *State) {
		s.gen++
		gen = s.gen
		s.Format = f
		lang = s.SummaryLanguage()
	})
	o.controller.Cancel(summarySlot)

	err = o.summarize(ctx, st, lang, gen)
	if errors.Is(err, summary.ErrSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	o.updateIf(st, gen, func(s *State) { s.Phase = PhaseReflecting })
	return nil
}

// TranslateTo translates the current summary on request. A failed
// translation keeps the summary and sets a notice.
func (o *Orchestrator) TranslateTo(ctx context.Context, st *State, lang string) error {
	if err := o.checkActive(st); err != nil {
		return err
	}
	var (
		gen       int
		from      string
		lines     []string
		langState translate.LanguageState
	)
	o.update(st, func(s *State) {
		s.gen++
		gen = s.gen
		s.Loading = true
		s.Phase = PhaseTranslating
		from = s.SummaryLanguage()
		lines = append([]string(nil), s.Summary...)
		langState = s.Language
	})
	o.controller.Cancel(summarySlot)

	res, err := o.decider.TranslateTo(ctx, st.URL, from, lang, lines, &langState)
	o.updateIf(st, gen, func(s *State) {
		s.Loading = false
		s.Phase = PhaseReflecting
		s.Language = langState
		s.Summary = res.Lines
		switch {
		case err != nil:
			s.Notice = fmt.Sprintf("Could not translate to %s.", langdetect.DisplayName(lang))
		case res.Partial:
			s.Notice = "Some summary lines could not be translated."
		default:
			s.Notice = ""
		}
	})
	if err != nil {
		log.Printf("Translation of %s to %s failed: %v", st.URL, lang, err)
	}
	return nil
}

// ApplySettings reacts to the reader turning translation on or off.
func (o *Orchestrator) ApplySettings(st *State, enableTranslation bool) error {
	if err := o.checkActive(st); err != nil {
		return err
	}
	o.update(st, func(s *State) { s.Language.ApplySettings(enableTranslation) })
	return nil
}

// Save stores the session with the reader's reflections and closes it. When
// storage is full the session stays open and ErrStorageFull is returned.
func (o *Orchestrator) Save(ctx context.Context, st *State, reflections []string) (int64, error) {
	if err := o.checkActive(st); err != nil {
		return 0, err
	}
	if o.store == nil {
		return 0, errors.New("no reflection store configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.update(st, func(s *State) { s.Reflections = append([]string(nil), reflections...) })
	r := &database.Reflection{
		URL:     st.URL,
		Title:   st.URL,
		Format:  string(st.Format),
		Summary: st.Summary,
		Answers: st.Reflections,
	}
	if st.Content != nil {
		r.Title = st.Content.Title
		r.SiteName = optional(st.Content.SiteName)
		r.Byline = optional(st.Content.Byline)
	}
	r.Language = optional(st.Language.OriginalDetected)
	if st.Language.CurrentTarget != "" && st.Language.CurrentTarget != st.Language.OriginalDetected {
		r.TranslatedTo = optional(st.Language.CurrentTarget)
	}

	id, err := o.store.InsertReflection(r)
	if err != nil {
		if errors.Is(err, ErrStorageFull) {
			o.update(st, func(s *State) {
				s.Notice = "Storage is full. Export your reflections, then remove old ones."
			})
		}
		return 0, fmt.Errorf("saving reflection: %w", err)
	}

	o.update(st, func(s *State) {
		s.Phase = PhaseSaved
		s.Loading = false
	})
	log.Printf("Saved reflection %d for %s", id, st.URL)
	o.Reset()
	return id, nil
}

// Cancel discards the session.
func (o *Orchestrator) Cancel(st *State) {
	o.update(st, func(s *State) {
		s.Phase = PhaseCancelled
		s.Loading = false
	})
	o.Reset()
}

// Reset stops every summary attempt, drops the current session and re-arms
// the engagement gate.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	stop := o.stop
	o.current, o.stop = nil, nil
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
	o.controller.Teardown()
	if o.gate != nil {
		o.gate.Reset()
	}
}

// Close stops the gate and any running attempt.
func (o *Orchestrator) Close() {
	o.Reset()
	if o.gate != nil {
		o.gate.Stop()
	}
}

// stillRunning reports context.Canceled once st was cancelled or replaced.
func (o *Orchestrator) stillRunning(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.checkActive(st) != nil {
		return context.Canceled
	}
	return nil
}

func (o *Orchestrator) checkActive(st *State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st == nil || o.current != st {
		return ErrNoSession
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
