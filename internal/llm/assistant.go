package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/TobiSchelling/Reflector/internal/langdetect"
)

var (
	// ErrUnavailable means no provider is configured or reachable.
	ErrUnavailable = errors.New("AI backend unavailable")
	// ErrStreamingUnsupported means the provider only answers in one batch.
	ErrStreamingUnsupported = errors.New("provider does not support streaming")
)

// SummaryRequest describes one summarization call.
type SummaryRequest struct {
	Title    string
	Text     string
	Format   string
	Language string
}

// Assistant is the AI backend used by reflection sessions: it summarizes,
// translates and detects languages.
type Assistant struct {
	provider  Provider
	detector  langdetect.Detector
	maxTokens int
}

// NewAssistant combines a provider with a language detector. A nil provider
// yields an assistant that reports itself unavailable.
func NewAssistant(provider Provider, detector langdetect.Detector, maxTokens int) *Assistant {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Assistant{provider: provider, detector: detector, maxTokens: maxTokens}
}

// Available reports whether summarization can be attempted.
func (a *Assistant) Available(ctx context.Context) bool {
	return a.provider != nil && a.provider.IsConfigured()
}

// DetectLanguage identifies the language of text.
func (a *Assistant) DetectLanguage(ctx context.Context, text string) (langdetect.Detection, error) {
	if a.detector == nil {
		return langdetect.Detection{}, langdetect.ErrUndetermined
	}
	return a.detector.Detect(ctx, text)
}

// Summarize returns the whole summary in one response. Headline summaries are
// requested as JSON and flattened into a headline line followed by bullets.
func (a *Assistant) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if a.provider == nil {
		return "", ErrUnavailable
	}
	out, err := a.provider.Generate(ctx, a.prompt(req), a.maxTokens)
	if err != nil {
		return "", fmt.Errorf("summarizing: %w", err)
	}
	if req.Format == "headline-bullets" {
		return flattenHeadline(out), nil
	}
	return strings.TrimSpace(out), nil
}

// StreamSummary starts a streaming summary.
func (a *Assistant) StreamSummary(ctx context.Context, req SummaryRequest) (*Stream, error) {
	if a.provider == nil {
		return nil, ErrUnavailable
	}
	s, ok := a.provider.(Streamer)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return s.Stream(ctx, a.prompt(req), a.maxTokens)
}

// Translate translates a single piece of text.
func (a *Assistant) Translate(ctx context.Context, text, from, to string) (string, error) {
	if a.provider == nil {
		return "", ErrUnavailable
	}
	prompt := fmt.Sprintf(translatePrompt, langdetect.DisplayName(from), langdetect.DisplayName(to), text)
	out, err := a.provider.Generate(ctx, prompt, a.maxTokens)
	if err != nil {
		return "", fmt.Errorf("translating to %s: %w", to, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty translation to %s", to)
	}
	return out, nil
}

func (a *Assistant) prompt(req SummaryRequest) string {
	lang := req.Language
	if lang == "" {
		lang = langdetect.DefaultLanguage
	}
	return summaryPrompt(req.Format, langdetect.DisplayName(lang), req.Title, req.Text)
}

// flattenHeadline turns a headline reply into summary lines. Replies that are
// not the expected JSON are returned as they came.
func flattenHeadline(raw string) string {
	h, err := ParseHeadline(raw)
	if err != nil {
		log.Printf("Headline reply was not JSON, using it verbatim: %v", err)
		return strings.TrimSpace(raw)
	}
	return strings.Join(h.Lines(), "\n")
}
