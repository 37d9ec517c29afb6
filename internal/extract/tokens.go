package extract

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	MaxTokens      = 4000
	TruncateTokens = 3500
	WordsPerToken  = 0.75
	CharsPerToken  = 4
)

// TokenCheck is the outcome of CheckTokenLimit.
type TokenCheck struct {
	Tokens  int  `json:"tokens"`
	Exceeds bool `json:"exceeds"`
}

// EstimateTokens takes the larger of the character-based and word-based
// estimates, which errs on the side of truncating.
func EstimateTokens(text string) int {
	byChars := math.Ceil(float64(utf8.RuneCountInString(text)) / CharsPerToken)
	byWords := math.Ceil(float64(countWords(text)) / WordsPerToken)
	return int(math.Max(byChars, byWords))
}

// CheckTokenLimit reports whether c is too large for the summarizer.
func CheckTokenLimit(c *Content) TokenCheck {
	tokens := EstimateTokens(c.Text)
	return TokenCheck{Tokens: tokens, Exceeds: tokens > MaxTokens}
}

// GetTruncatedContent returns c itself when it fits, otherwise a copy whose
// text keeps the first TruncateTokens*WordsPerToken words followed by "...".
func GetTruncatedContent(c *Content) *Content {
	if !CheckTokenLimit(c).Exceeds {
		return c
	}
	keep := int(TruncateTokens * WordsPerToken)
	words := strings.Fields(c.Text)
	if len(words) > keep {
		words = words[:keep]
	}
	text := strings.Join(words, " ")
	// Few but very long words can still blow the character budget.
	if maxChars := TruncateTokens * CharsPerToken; utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
		if i := strings.LastIndexByte(text, ' '); i > 0 {
			text = text[:i]
		}
	}
	out := *c
	out.Text = text + "..."
	out.WordCount = countWords(out.Text)
	return &out
}
