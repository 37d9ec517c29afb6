// Package fetch loads pages over HTTP or from disk into a goquery document
// and collects readability metadata about them.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/Reflector/internal/extract"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 10 << 20
	userAgent      = "Reflector/1.0 (reading companion)"
)

// Page is a parsed page ready for extraction.
type Page struct {
	URL  string
	Doc  *goquery.Document
	Meta extract.Metadata
}

// HTTPError is returned for responses with a 4xx or 5xx status.
type HTTPError struct {
	URL  string
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetching %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Fetcher downloads pages.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher. A zero timeout means 15 seconds.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch downloads pageURL and parses it.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{URL: pageURL, Code: resp.StatusCode}
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return FromReader(io.LimitReader(resp.Body, maxBodyBytes), finalURL)
}

// FromFile parses a saved HTML file. pageURL is the address the page is
// attributed to; the file URL is used when it is empty.
func FromFile(path, pageURL string) (*Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if pageURL == "" {
		pageURL = (&url.URL{Scheme: "file", Path: path}).String()
	}
	return FromReader(f, pageURL)
}

// FromReader parses HTML from r. Readability metadata is best effort.
func FromReader(r io.Reader, pageURL string) (*Page, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	return &Page{URL: pageURL, Doc: doc, Meta: metadata(body, pageURL)}, nil
}

func metadata(body []byte, pageURL string) extract.Metadata {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return extract.Metadata{}
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		log.Printf("No readability metadata for %s: %v", pageURL, err)
		return extract.Metadata{}
	}
	return extract.Metadata{
		Byline:   strings.TrimSpace(article.Byline),
		SiteName: strings.TrimSpace(article.SiteName),
		Excerpt:  strings.TrimSpace(article.Excerpt),
	}
}
