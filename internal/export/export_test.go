package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/TobiSchelling/Reflector/internal/database"
)

func ptr(s string) *string { return &s }

func sample() []database.Reflection {
	return []database.Reflection{
		{
			ID:           1,
			URL:          "https://example.com/tide",
			Title:        "Tide pools [part 1]",
			SiteName:     ptr("Coast Notes"),
			Language:     ptr("fr"),
			TranslatedTo: ptr("en"),
			Format:       "bullets",
			Summary:      []string{"Life between rocks", "Step on bare rock"},
			Answers:      []string{"I never looked closely.\nNow I will."},
			CreatedAt:    ptr("2026-03-01 08:00:00"),
		},
		{
			ID:      2,
			URL:     "https://example.com/forest",
			Title:   "Forest",
			Format:  "paragraph",
			Summary: []string{"One paragraph about trees."},
		},
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sample())

	for _, want := range []string{
		"# Reflections",
		`## [Tide pools \[part 1\]](https://example.com/tide)`,
		"*Coast Notes · French → English · 2026-03-01 08:00:00*",
		"- Life between rocks",
		"> I never looked closely.\n> Now I will.",
		"One paragraph about trees.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "- One paragraph") {
		t.Error("paragraph summaries must not be bulleted")
	}
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sample(), FormatHTML); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "<!DOCTYPE html>") {
		t.Error("expected a full HTML document")
	}
	if !strings.Contains(out, `<a href="https://example.com/tide">`) {
		t.Errorf("expected rendered link, got:\n%s", out)
	}
	if !strings.Contains(out, "<blockquote>") {
		t.Error("expected reflections as blockquotes")
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil, FormatJSON); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty array, got %q", buf.String())
	}

	buf.Reset()
	Write(&buf, sample(), FormatJSON)
	var decoded []database.Reflection
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Title != "Tide pools [part 1]" {
		t.Errorf("unexpected decoded reflections %+v", decoded)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatMarkdown, "md": FormatMarkdown, "HTML": FormatHTML, "json": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Error("expected error for pdf")
	}
}
