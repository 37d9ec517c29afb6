// Package translate decides when a fresh summary should be translated and
// caches the translations it produces.
package translate

import (
	"context"
	"errors"
	"log"

	"github.com/TobiSchelling/Reflector/internal/langdetect"
)

// MinConfidence is the detection confidence needed before translating
// without being asked.
const MinConfidence = 0.90

// ErrNoTranslation means no line of the summary could be translated.
var ErrNoTranslation = errors.New("no summary line could be translated")

// Preferences are the translation settings the decider reads.
type Preferences struct {
	Enabled   bool
	Preferred string
	Browser   string
}

// ShouldAutoTranslate reports whether a summary in the detected language
// should be translated to the preferred language without asking.
func ShouldAutoTranslate(det langdetect.Detection, prefs Preferences) bool {
	if !prefs.Enabled {
		return false
	}
	detected := langdetect.Normalize(det.Language)
	if detected == "" {
		return false
	}
	if detected == langdetect.Normalize(prefs.Browser) || detected == langdetect.Normalize(prefs.Preferred) {
		return false
	}
	return det.Confidence >= MinConfidence
}

// LanguageState tracks the languages of one session.
type LanguageState struct {
	OriginalDetected  string `json:"original_detected,omitempty"`
	CurrentTarget     string `json:"current_target,omitempty"`
	PreferredBaseline string `json:"preferred_baseline,omitempty"`
	IsOverridden      bool   `json:"is_overridden"`
}

// ApplySettings reacts to a settings change. Disabling translation returns
// the target to the preferred baseline.
func (s *LanguageState) ApplySettings(enabled bool) {
	if enabled {
		return
	}
	s.CurrentTarget = s.PreferredBaseline
	s.IsOverridden = false
}

// Translator translates one piece of text.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Result is what a translation attempt produced. Lines is always usable:
// it holds the original summary when nothing was translated.
type Result struct {
	Lines      []string
	Target     string
	Translated bool
	Partial    bool
	FromCache  bool
	Successes  int
}

// Decider applies the auto-translate gate and the line-level translation rules.
type Decider struct {
	translator Translator
	cache      *Cache
	prefs      Preferences
}

func NewDecider(translator Translator, cache *Cache, prefs Preferences) *Decider {
	return &Decider{translator: translator, cache: cache, prefs: prefs}
}

// Preferences returns the settings the decider was built with.
func (d *Decider) Preferences() Preferences {
	return d.prefs
}

// MaybeTranslate runs once per session after a summary exists. Failures
// never surface: the original summary is kept instead.
func (d *Decider) MaybeTranslate(ctx context.Context, pageURL string, det langdetect.Detection, summary []string, state *LanguageState) Result {
	if state != nil {
		state.OriginalDetected = langdetect.Normalize(det.Language)
		if state.PreferredBaseline == "" {
			state.PreferredBaseline = langdetect.Normalize(d.prefs.Preferred)
		}
	}
	if len(summary) == 0 || !ShouldAutoTranslate(det, d.prefs) {
		return Result{Lines: summary}
	}

	target := langdetect.Normalize(d.prefs.Preferred)
	res := d.translate(ctx, pageURL, langdetect.Normalize(det.Language), target, summary)
	if res.Translated && !res.Partial && state != nil {
		state.CurrentTarget = target
	}
	return res
}

// TranslateTo translates the summary on request. It returns
// ErrNoTranslation, with the original lines, when every line failed.
func (d *Decider) TranslateTo(ctx context.Context, pageURL, from, to string, summary []string, state *LanguageState) (Result, error) {
	from, to = langdetect.Normalize(from), langdetect.Normalize(to)
	if from == to || len(summary) == 0 {
		if state != nil {
			state.CurrentTarget = to
			state.IsOverridden = true
		}
		return Result{Lines: summary, Target: to}, nil
	}

	res := d.translate(ctx, pageURL, from, to, summary)
	if !res.Translated {
		return res, ErrNoTranslation
	}
	if state != nil {
		state.CurrentTarget = to
		state.IsOverridden = true
	}
	return res, nil
}

func (d *Decider) translate(ctx context.Context, pageURL, from, to string, summary []string) Result {
	key := CacheKey(pageURL, from, to)
	if lines, ok := d.cache.Lookup(ctx, key); ok {
		return Result{Lines: lines, Target: to, Translated: true, FromCache: true, Successes: len(lines)}
	}
	if d.translator == nil {
		return Result{Lines: summary, Target: to}
	}

	out := make([]string, len(summary))
	successes := 0
	for i, line := range summary {
		translated, err := d.translator.Translate(ctx, line, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Lines: summary, Target: to}
			}
			log.Printf("Translating summary line %d to %s failed: %v", i, to, err)
			out[i] = line
			continue
		}
		out[i] = translated
		successes++
	}

	switch {
	case successes == 0:
		return Result{Lines: summary, Target: to}
	case successes < len(summary):
		return Result{Lines: out, Target: to, Translated: true, Partial: true, Successes: successes}
	}

	if err := d.cache.Put(ctx, key, out); err != nil {
		log.Printf("Warning: %v", err)
	}
	return Result{Lines: out, Target: to, Translated: true, Successes: successes}
}
