// Package export writes saved reflections as Markdown, HTML or JSON so they
// survive when local storage runs out.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/TobiSchelling/Reflector/internal/database"
	"github.com/TobiSchelling/Reflector/internal/langdetect"
)

// Format names an export format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// ParseFormat accepts "markdown"/"md", "html" and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Markdown renders reflections as one Markdown document.
func Markdown(rs []database.Reflection) string {
	var b strings.Builder
	b.WriteString("# Reflections\n")
	for i := range rs {
		b.WriteString("\n")
		writeReflection(&b, &rs[i])
	}
	return b.String()
}

// ReflectionMarkdown renders a single reflection.
func ReflectionMarkdown(r *database.Reflection) string {
	var b strings.Builder
	writeReflection(&b, r)
	return b.String()
}

func writeReflection(b *strings.Builder, r *database.Reflection) {
	fmt.Fprintf(b, "## [%s](%s)\n\n", escape(r.Title), r.URL)

	var meta []string
	if r.SiteName != nil && *r.SiteName != "" {
		meta = append(meta, escape(*r.SiteName))
	}
	if r.Byline != nil && *r.Byline != "" {
		meta = append(meta, escape(*r.Byline))
	}
	if r.Language != nil && *r.Language != "" {
		lang := langdetect.DisplayName(*r.Language)
		if r.TranslatedTo != nil && *r.TranslatedTo != "" {
			lang += " → " + langdetect.DisplayName(*r.TranslatedTo)
		}
		meta = append(meta, lang)
	}
	if r.CreatedAt != nil {
		meta = append(meta, *r.CreatedAt)
	}
	if len(meta) > 0 {
		fmt.Fprintf(b, "*%s*\n\n", strings.Join(meta, " · "))
	}

	if len(r.Summary) > 0 {
		b.WriteString("### Summary\n\n")
		if r.Format == "paragraph" {
			b.WriteString(strings.Join(r.Summary, "\n\n"))
			b.WriteString("\n\n")
		} else {
			for _, line := range r.Summary {
				fmt.Fprintf(b, "- %s\n", line)
			}
			b.WriteString("\n")
		}
	}

	if len(r.Answers) > 0 {
		b.WriteString("### Reflections\n\n")
		for _, a := range r.Answers {
			for _, line := range strings.Split(strings.TrimSpace(a), "\n") {
				fmt.Fprintf(b, "> %s\n", line)
			}
			b.WriteString("\n")
		}
	}
}

// escape keeps titles from breaking the link syntax.
func escape(s string) string {
	r := strings.NewReplacer("[", `\[`, "]", `\]`, "*", `\*`, "_", `\_`)
	return r.Replace(strings.TrimSpace(s))
}

// RenderMarkdown converts Markdown to an HTML fragment.
func RenderMarkdown(text string) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.Bytes(), nil
}

const htmlHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Reflections</title>
<style>body{font-family:system-ui,sans-serif;max-width:44rem;margin:2rem auto;padding:0 1rem;line-height:1.5}blockquote{border-left:3px solid #ccc;margin-left:0;padding-left:1rem;color:#444}</style>
</head>
<body>
`

// Write writes rs to w in the given format.
func Write(w io.Writer, rs []database.Reflection, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rs == nil {
			rs = []database.Reflection{}
		}
		return enc.Encode(rs)
	case FormatHTML:
		body, err := RenderMarkdown(Markdown(rs))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, htmlHead); err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		_, err = io.WriteString(w, "</body>\n</html>\n")
		return err
	default:
		_, err := io.WriteString(w, Markdown(rs))
		return err
	}
}
