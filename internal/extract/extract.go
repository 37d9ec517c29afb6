// Package extract finds the readable article text on a page and skips the
// navigation, ads and other chrome around it.
package extract

import (
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// maxScoredCandidates bounds how many elements are scored per lookup.
	maxScoredCandidates = 20
	// goodEnoughScore stops the scan early.
	goodEnoughScore = 5000.0
	minContentChars = 100
)

// Content is the extracted article. Values are never modified after they are
// returned; truncation produces a copy.
type Content struct {
	Title     string `json:"title"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	WordCount int    `json:"word_count"`

	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Lang     string `json:"lang,omitempty"`
}

// Extractor caches the extraction for the most recent URL.
type Extractor struct {
	mu        sync.Mutex
	cachedURL string
	cached    *Content
}

// New creates an extractor with an empty cache.
func New() *Extractor {
	return &Extractor{}
}

// Metadata is page information found outside the DOM scan, such as the
// readability pass done when a page is fetched.
type Metadata struct {
	Byline   string
	SiteName string
	Excerpt  string
}

// ExtractMainContent returns the article content of doc. Repeated calls for the
// same URL return the identical *Content until ClearCache is called.
func (e *Extractor) ExtractMainContent(doc *goquery.Document, pageURL string) *Content {
	return e.ExtractWithMetadata(doc, pageURL, Metadata{})
}

// ExtractWithMetadata is ExtractMainContent that also records meta on a fresh
// extraction. A cached result is returned as is.
func (e *Extractor) ExtractWithMetadata(doc *goquery.Document, pageURL string, meta Metadata) *Content {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != nil && e.cachedURL == pageURL {
		return e.cached
	}

	container := FindContentContainer(doc)
	text := ExtractTextFromElement(container)
	c := &Content{
		Title:     ExtractTitle(doc, pageURL),
		Text:      text,
		URL:       pageURL,
		WordCount: countWords(text),
		Byline:    collapseSpaces(meta.Byline),
		SiteName:  collapseSpaces(meta.SiteName),
		Excerpt:   collapseSpaces(meta.Excerpt),
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		c.Lang = strings.ToLower(strings.TrimSpace(lang))
	}

	e.cached = c
	e.cachedURL = pageURL
	log.Printf("Extracted %d words from %s", c.WordCount, pageURL)
	return c
}

// ClearCache forgets the cached extraction.
func (e *Extractor) ClearCache() {
	e.mu.Lock()
	e.cached = nil
	e.cachedURL = ""
	e.mu.Unlock()
}

// ExtractTitle picks the first non-empty of <title>, og:title, twitter:title,
// the first <h1>, and finally the URL itself.
func ExtractTitle(doc *goquery.Document, pageURL string) string {
	candidates := []func() string{
		func() string { return doc.Find("head title").First().Text() },
		func() string { return metaContent(doc, `meta[property="og:title"]`) },
		func() string { return metaContent(doc, `meta[name="twitter:title"]`) },
		func() string { return doc.Find("h1").First().Text() },
	}
	for _, get := range candidates {
		if t := collapseSpaces(get()); t != "" {
			return t
		}
	}
	return pageURL
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return v
}

// FindContentContainer returns the element most likely to hold the article.
// It never returns an empty selection: the body (or the whole document) is
// the last resort.
func FindContentContainer(doc *goquery.Document) *goquery.Selection {
	matchedAny := false
	for _, selector := range containerSelectors {
		matches := doc.Find(selector)
		switch matches.Length() {
		case 0:
			continue
		case 1:
			return matches
		}
		matchedAny = true
		if best := bestScoring(matches, false); best != nil {
			return best
		}
	}

	if !matchedAny {
		if best := bestScoring(doc.Find("body").Find("div, section"), true); best != nil {
			return best
		}
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return doc.Selection
	}
	return body
}

// bestScoring scores candidates and returns the highest scorer above zero.
// With skipZero set, candidates that score zero do not count against the
// scan budget, so long pages full of tiny wrappers still reach their article.
func bestScoring(candidates *goquery.Selection, skipZero bool) *goquery.Selection {
	var best *goquery.Selection
	bestScore := 0.0
	scored := 0

	candidates.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		score := CalculateContentScore(s)
		if score <= 0 && skipZero {
			return true
		}
		scored++
		if score > bestScore {
			bestScore = score
			best = s
		}
		return scored < maxScoredCandidates && bestScore <= goodEnoughScore
	})
	return best
}

// CalculateContentScore estimates how likely s is to be the main article.
func CalculateContentScore(s *goquery.Selection) float64 {
	if isExcluded(s) {
		return 0
	}

	text := strings.TrimSpace(s.Text())
	textLen := utf8.RuneCountInString(text)
	if textLen < minContentChars {
		return 0
	}

	score := float64(textLen)
	score += 50 * float64(s.Find("p").Length())

	role, _ := s.Attr("role")
	switch {
	case goquery.NodeName(s) == "article" || role == "article":
		score += 200
	case goquery.NodeName(s) == "main" || role == "main":
		score += 150
	}

	linkChars := 0
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkChars += utf8.RuneCountInString(strings.TrimSpace(a.Text()))
	})
	if float64(linkChars)/float64(textLen) > 0.5 {
		score *= 0.3
	}

	score -= 30 * float64(excludedDescendants(s).Length())
	return score
}

// ExtractTextFromElement returns the readable text of s without modifying the
// live document: chrome is removed from a clone.
func ExtractTextFromElement(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	clone := s.First().Clone()
	excludedDescendants(clone).Remove()
	clone.Find("script, style, noscript").Remove()

	var b strings.Builder
	for _, n := range clone.Nodes {
		writeText(&b, n)
	}
	return sanitizeWhitespace(b.String())
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "main": {}, "br": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"ul": {}, "ol": {}, "li": {}, "blockquote": {}, "pre": {},
	"table": {}, "tr": {}, "figure": {}, "figcaption": {}, "dd": {}, "dt": {}, "hr": {},
}

// writeText flattens a node tree, putting block elements on their own lines
// so adjacent paragraphs never run together.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	_, block := blockElements[n.Data]
	if block && n.Type == html.ElementNode {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block && n.Type == html.ElementNode {
		b.WriteByte('\n')
	}
}

// sanitizeWhitespace collapses runs of spaces and drops blank lines.
func sanitizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = collapseSpaces(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
