package extract

import (
	"strings"
	"testing"
)

func TestCheckTokenLimit(t *testing.T) {
	small := &Content{Text: "just a few words here"}
	if CheckTokenLimit(small).Exceeds {
		t.Error("expected small content within limit")
	}

	big := &Content{Text: strings.Repeat("lorem ", 6000)}
	check := CheckTokenLimit(big)
	if !check.Exceeds {
		t.Errorf("expected 6000 words to exceed, got %d tokens", check.Tokens)
	}
	// 36000 chars / 4 beats 6000 words / 0.75.
	if check.Tokens != 9000 {
		t.Errorf("expected 9000 tokens, got %d", check.Tokens)
	}
}

func TestGetTruncatedContentUnchangedWhenSmall(t *testing.T) {
	c := &Content{Title: "T", Text: "short text", URL: "https://example.com", WordCount: 2}
	if GetTruncatedContent(c) != c {
		t.Error("expected the same content when under the limit")
	}
}

func TestGetTruncatedContent(t *testing.T) {
	c := &Content{
		Title:     "Long",
		Text:      strings.Repeat("lorem ", 6000),
		URL:       "https://example.com/long",
		WordCount: 6000,
	}
	out := GetTruncatedContent(c)

	limit := int(TruncateTokens * WordsPerToken)
	if words := len(strings.Fields(out.Text)); words > limit {
		t.Errorf("expected at most %d words, got %d", limit, words)
	}
	if !strings.HasSuffix(out.Text, "...") {
		t.Errorf("expected trailing ellipsis, got %q", out.Text[len(out.Text)-10:])
	}
	if out.WordCount != len(strings.Fields(out.Text)) {
		t.Errorf("expected recomputed word count, got %d", out.WordCount)
	}
	if out.Title != c.Title || out.URL != c.URL {
		t.Error("expected title and url to be preserved")
	}
	if c.WordCount != 6000 {
		t.Error("expected the original content to be untouched")
	}
}

func TestGetTruncatedContentLongWords(t *testing.T) {
	c := &Content{Text: strings.Repeat(strings.Repeat("x", 40)+" ", 500)}
	out := GetTruncatedContent(c)
	if CheckTokenLimit(out).Exceeds {
		t.Errorf("expected truncated content to fit, got %d tokens", CheckTokenLimit(out).Tokens)
	}
	if !strings.HasSuffix(out.Text, "...") {
		t.Error("expected trailing ellipsis")
	}
}
