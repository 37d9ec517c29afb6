package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/Reflector/internal/langdetect"
)

func TestParseHeadlinePlain(t *testing.T) {
	h, err := ParseHeadline(`{"headline": "Tide pools teem with life", "bullets": ["Anemones", " ", "Careful steps"]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Tide pools teem with life", "- Anemones", "- Careful steps"}
	if got := h.Lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestParseHeadlineWithCodeFenceAndChatter(t *testing.T) {
	h, err := ParseHeadline("```json\n{\"headline\": \"Rocks\"}\n```")
	if err != nil || h.Headline != "Rocks" {
		t.Errorf("expected fenced reply to parse, got %+v %v", h, err)
	}
	h, err = ParseHeadline(`Here you go: {"headline": "Rocks", "bullets": ["Wet"]} Enjoy!`)
	if err != nil || len(h.Bullets) != 1 {
		t.Errorf("expected surrounding text to be ignored, got %+v %v", h, err)
	}
}

func TestParseHeadlineInvalid(t *testing.T) {
	for _, text := range []string{"", "not json at all", `{"headline": ""}`, `{"headline": 3}`} {
		if _, err := ParseHeadline(text); err == nil {
			t.Errorf("expected error for %q", text)
		}
	}
}

func collect(t *testing.T, s *Stream) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"message":{"content":"- Tide"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" pools"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	s, err := p.Stream(context.Background(), "prompt", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := collect(t, s)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventChunk || events[0].Data != "- Tide" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[2].Type != EventComplete {
		t.Errorf("expected completion, got %+v", events[2])
	}
	for _, ev := range events {
		if ev.RequestID != s.RequestID || ev.RequestID == "" {
			t.Errorf("expected request id %q on every event, got %q", s.RequestID, ev.RequestID)
		}
	}
}

func TestOllamaStreamDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	s, _ := NewOllamaProvider("m", srv.URL).Stream(context.Background(), "prompt", 100)
	events := collect(t, s)
	last := events[len(events)-1]
	if last.Type != EventError || !errors.Is(last.Err, ErrDisconnected) {
		t.Errorf("expected disconnect error, got %+v", last)
	}
}

func TestOllamaStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := NewOllamaProvider("m", srv.URL).Stream(context.Background(), "prompt", 100)
	events := collect(t, s)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := &OpenAIProvider{Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: srv.URL, client: srv.Client()}
	s, err := p.Stream(context.Background(), "prompt", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := collect(t, s)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == EventChunk {
			text.WriteString(ev.Data)
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text.String())
	}
	if events[len(events)-1].Type != EventComplete {
		t.Errorf("expected completion last, got %+v", events[len(events)-1])
	}
}

func TestOpenAIStreamWithoutKey(t *testing.T) {
	p := &OpenAIProvider{Model: "m"}
	if _, err := p.Stream(context.Background(), "prompt", 10); err == nil {
		t.Error("expected error without API key")
	}
}

func TestStreamCancelIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit Emitter) {
		close(started)
		<-ctx.Done()
	})
	<-started
	s.Cancel()
	s.Cancel()
	if events := collect(t, s); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

type mockProvider struct {
	response string
	err      error
	prompts  []string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func TestAssistantHeadlineSummary(t *testing.T) {
	mp := &mockProvider{response: "```json\n{\"headline\": \"Tide pools teem with life\", \"bullets\": [\"Anemones\", \"Careful steps\"]}\n```"}
	a := NewAssistant(mp, nil, 0)

	out, err := a.Summarize(context.Background(), SummaryRequest{Title: "T", Text: "x", Format: "headline-bullets", Language: "fr"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Tide pools teem with life\n- Anemones\n- Careful steps"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
	if !strings.Contains(mp.prompts[0], "French") {
		t.Errorf("expected the target language in the prompt, got %q", mp.prompts[0])
	}
}

func TestAssistantStreamingUnsupported(t *testing.T) {
	a := NewAssistant(&mockProvider{}, nil, 0)
	if _, err := a.StreamSummary(context.Background(), SummaryRequest{}); !errors.Is(err, ErrStreamingUnsupported) {
		t.Errorf("expected ErrStreamingUnsupported, got %v", err)
	}
}

func TestAssistantUnavailable(t *testing.T) {
	a := NewAssistant(nil, nil, 0)
	if a.Available(context.Background()) {
		t.Error("expected nil provider to be unavailable")
	}
	if _, err := a.Summarize(context.Background(), SummaryRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := a.DetectLanguage(context.Background(), "text"); !errors.Is(err, langdetect.ErrUndetermined) {
		t.Errorf("expected ErrUndetermined without detector, got %v", err)
	}
}

func TestAssistantTranslate(t *testing.T) {
	mp := &mockProvider{response: "  Les bassins  "}
	a := NewAssistant(mp, nil, 0)
	out, err := a.Translate(context.Background(), "The pools", "en", "fr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Les bassins" {
		t.Errorf("expected trimmed translation, got %q", out)
	}

	mp.response = "   "
	if _, err := a.Translate(context.Background(), "x", "en", "fr"); err == nil {
		t.Error("expected error for empty translation")
	}
}
