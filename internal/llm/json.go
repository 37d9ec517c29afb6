package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Headline is the reply shape requested for headline-bullets summaries.
type Headline struct {
	Headline string   `json:"headline"`
	Bullets  []string `json:"bullets"`
}

// Lines renders the headline as summary lines: the headline, then one "- "
// line per non-empty bullet.
func (h Headline) Lines() []string {
	var lines []string
	if s := strings.TrimSpace(h.Headline); s != "" {
		lines = append(lines, s)
	}
	for _, b := range h.Bullets {
		if s := strings.TrimSpace(b); s != "" {
			lines = append(lines, "- "+s)
		}
	}
	return lines
}

// ParseHeadline decodes a headline reply. Models often wrap JSON in a
// markdown code fence or add a sentence around it, so the outermost object
// is cut out before decoding.
func ParseHeadline(text string) (Headline, error) {
	var h Headline
	body := stripFence(strings.TrimSpace(text))
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return h, errors.New("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &h); err != nil {
		return h, fmt.Errorf("decoding headline reply: %w", err)
	}
	if len(h.Lines()) == 0 {
		return h, errors.New("headline reply has no content")
	}
	return h, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}
