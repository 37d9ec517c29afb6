// Package summary consumes AI summaries, streamed or whole, and reveals them
// a few characters at a time.
package summary

import (
	"fmt"
	"strings"
	"unicode"
)

// Format is the layout requested from the summarizer.
type Format string

const (
	FormatBullets         Format = "bullets"
	FormatParagraph       Format = "paragraph"
	FormatHeadlineBullets Format = "headline-bullets"
)

// ParseFormat validates a format name. An empty name means bullets.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimSpace(s)); f {
	case "":
		return FormatBullets, nil
	case FormatBullets, FormatParagraph, FormatHeadlineBullets:
		return f, nil
	default:
		return "", fmt.Errorf("unknown summary format %q", s)
	}
}

// Streamable reports whether summaries in this format may be streamed.
// Headline summaries need the whole JSON reply before they can be shown.
func (f Format) Streamable() bool {
	return f != FormatHeadlineBullets
}

// ParseBuffer splits raw summary text into display lines.
func ParseBuffer(buf string, format Format) []string {
	buf = strings.ReplaceAll(buf, "\r\n", "\n")
	buf = strings.ReplaceAll(buf, "\r", "\n")

	if format == FormatParagraph {
		if t := strings.TrimSpace(buf); t != "" {
			return []string{t}
		}
		return nil
	}

	var lines []string
	for _, line := range strings.Split(buf, "\n") {
		line = stripBullet(strings.TrimSpace(line))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func stripBullet(line string) string {
	for _, marker := range []string{"*", "-", "•"} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimLeftFunc(line[len(marker):], unicode.IsSpace)
		}
	}
	return line
}

// Advance moves the reveal cursor step runes forward without passing the
// end of the buffer. The result is always within [0, length].
func Advance(length, cursor, step int) int {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > length {
		cursor = length
	}
	if step < 0 {
		step = 0
	}
	return min(cursor+step, length)
}
