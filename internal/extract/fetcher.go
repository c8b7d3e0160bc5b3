// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extract downloads web pages and reduces them to readable text.
// It is the fallback when the Tavily extract API cannot return a page.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/resilience"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultMaxChars  = 20000
	defaultUserAgent = "legal-research-assistant/1.0"
	maxBodyBytes     = 5 << 20
)

// contentSelectors are tried in order; the first with enough text wins
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".akn-judgment",
	".judgment",
	"#content",
	".content",
}

// noiseSelectors are removed before text is collected
const noiseSelectors = "script, style, noscript, nav, header, footer, aside, form, iframe, svg"

// minContentChars is the text a selector must yield to be accepted
const minContentChars = 200

// Config holds fetcher settings
type Config struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
	// HostFailures consecutive upstream failures stop fetches from a host
	// for HostCooldown
	HostFailures int
	HostCooldown time.Duration
}

// Page is the readable text of one URL
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// HTTPError is a non-2xx response from the page host
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

// StatusCode exposes the HTTP status for error classification
func (e *HTTPError) StatusCode() int {
	return e.Status
}

// Fetcher downloads pages and extracts their main text
type Fetcher struct {
	httpClient *http.Client
	maxChars   int
	userAgent  string
	hosts      *resilience.BreakerSet
	logger     *zap.Logger
}

// NewFetcher creates a fetcher; zero config values take defaults
func NewFetcher(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	hosts := resilience.NewBreakerSet(resilience.BreakerConfig{
		MaxFailures:  cfg.HostFailures,
		ResetTimeout: cfg.HostCooldown,
	}, logger)
	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxChars:   cfg.MaxChars,
		userAgent:  cfg.UserAgent,
		hosts:      hosts,
		logger:     logger,
	}
}

// Fetch downloads rawURL and returns its readable text
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL %q", resilience.ErrValidation, rawURL)
	}

	var page *Page
	err = f.hosts.Execute(ctx, parsed.Host, func(ctx context.Context) error {
		var fetchErr error
		page, fetchErr = f.fetch(ctx, parsed)
		return fetchErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	return page, err
}

// Hosts reports hosts with recent fetch failures
func (f *Fetcher) Hosts() []resilience.CircuitStats {
	return f.hosts.Stats()
}

func (f *Fetcher) fetch(ctx context.Context, parsed *url.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{URL: parsed.String(), Status: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	page := &Page{URL: parsed.String()}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", parsed.Host, err)
		}
		page.Text = collapseSpace(string(raw))
	} else {
		page.Title, page.Text, err = ParseHTML(body)
		if err != nil {
			return nil, err
		}
	}
	page.Text = limitChars(page.Text, f.maxChars)

	f.logger.Debug("Extracted page text",
		zap.String("host", parsed.Host),
		zap.String("title", page.Title),
		zap.Int("chars", len(page.Text)))

	return page, nil
}

// Text is Fetch returning only the page text
func (f *Fetcher) Text(ctx context.Context, rawURL string) (string, error) {
	page, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return page.Text, nil
}

// ParseHTML returns the title and main readable text of an HTML document
func ParseHTML(r io.Reader) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := collapseSpace(doc.Find("title").First().Text())
	if title == "" {
		title = collapseSpace(doc.Find("h1").First().Text())
	}

	doc.Find(noiseSelectors).Remove()

	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := blockText(sel); len(text) >= minContentChars {
			return title, text, nil
		}
	}

	return title, blockText(doc.Find("body")), nil
}

// blockText joins paragraph-level elements with blank lines; when the
// selection has none, its whole text is used
func blockText(sel *goquery.Selection) string {
	var blocks []string
	sel.Find("h1, h2, h3, h4, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are collected by their innermost element
		if s.Find("p, li, blockquote").Length() > 0 {
			return
		}
		if text := collapseSpace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return collapseSpace(sel.Text())
	}
	return strings.Join(blocks, "\n\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func limitChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
