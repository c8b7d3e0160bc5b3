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

// Package tavily is a client for the Tavily search and extract REST API.
// Every call takes a key from the Tavily balancer, is paced by a token bucket
// and is retried with exponential backoff on rate-limit and server failures.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/your-org/legal-research-assistant/internal/keybalancer"
	"github.com/your-org/legal-research-assistant/internal/resilience"
	"github.com/your-org/legal-research-assistant/internal/sources"
)

const (
	// DefaultBaseURL is the public Tavily API
	DefaultBaseURL = "https://api.tavily.com"

	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
	defaultMaxResults        = 5
	maxMaxResults            = 20
	// maxExtractURLs is the most URLs Tavily accepts in one extract call
	maxExtractURLs = 20
	maxErrorBody   = 4096
)

// Search depths
const (
	DepthBasic    = "basic"
	DepthAdvanced = "advanced"
)

// ErrEmptyQuery is returned for blank search queries
var ErrEmptyQuery = fmt.Errorf("%w: search query is empty", resilience.ErrValidation)

// KeySource hands out API keys and receives failure reports
type KeySource interface {
	GetKey(ctx context.Context, cost int) (string, error)
	ReportFailure(key string, err error) resilience.Kind
	MarkSuccess(key string)
}

// Config holds Tavily client settings
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.RetryConfig
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Timeout:           defaultTimeout,
		RequestsPerSecond: defaultRequestsPerSecond,
		Burst:             defaultBurst,
		Retry:             resilience.DefaultRetryConfig(),
	}
}

// Client calls the Tavily API
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	logger     *zap.Logger
}

// NewClient creates a Tavily client drawing keys from keys
func NewClient(keys KeySource, cfg Config, logger *zap.Logger) (*Client, error) {
	if keys == nil {
		return nil, keybalancer.ErrNoKeys
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		keys:       keys,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		retry:      cfg.Retry,
		logger:     logger,
	}, nil
}

// APIError is a non-2xx response from Tavily
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tavily: status %d: %s", e.Status, e.Detail)
}

// StatusCode exposes the HTTP status for error classification
func (e *APIError) StatusCode() int {
	return e.Status
}

// SearchRequest is the body of a search call
type SearchRequest struct {
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth,omitempty"`
	Topic             string   `json:"topic,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeAnswer     bool     `json:"include_answer,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
	Days              int      `json:"days,omitempty"`
}

// SearchResult is one hit in a search response
type SearchResult struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Content    string  `json:"content"`
	RawContent string  `json:"raw_content,omitempty"`
	Score      float64 `json:"score"`
}

// SearchResponse is the body returned by a search call
type SearchResponse struct {
	Query        string         `json:"query"`
	Answer       string         `json:"answer,omitempty"`
	Results      []SearchResult `json:"results"`
	ResponseTime float64        `json:"response_time"`
}

// Sources converts the results into ranked sources. Raw content is preferred
// over the snippet when present.
func (r *SearchResponse) Sources() []sources.Source {
	out := make([]sources.Source, 0, len(r.Results))
	for _, res := range r.Results {
		content := res.Content
		if res.RawContent != "" {
			content = res.RawContent
		}
		out = append(out, sources.New(res.Title, res.URL, content, res.Score))
	}
	return sources.Rank(out)
}

// ExtractResult is the page text for one URL
type ExtractResult struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// FailedResult is a URL Tavily could not extract
type FailedResult struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ExtractResponse is the body returned by an extract call
type ExtractResponse struct {
	Results       []ExtractResult `json:"results"`
	FailedResults []FailedResult  `json:"failed_results"`
}

type extractRequest struct {
	URLs []string `json:"urls"`
}

// Search runs a web search
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.SearchDepth == "" {
		req.SearchDepth = DepthBasic
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	if req.MaxResults > maxMaxResults {
		req.MaxResults = maxMaxResults
	}

	cost := 1
	if req.SearchDepth == DepthAdvanced {
		cost = 2
	}

	c.logger.Debug("Tavily search",
		zap.String("query", req.Query),
		zap.String("depth", req.SearchDepth),
		zap.Int("max_results", req.MaxResults),
		zap.Strings("include_domains", req.IncludeDomains))

	var resp SearchResponse
	if err := c.call(ctx, "/search", cost, req, &resp); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}

	c.logger.Info("Tavily search completed",
		zap.Int("results", len(resp.Results)),
		zap.Bool("has_answer", resp.Answer != ""))

	return &resp, nil
}

// Answer runs an advanced search and returns Tavily's generated answer
func (c *Client) Answer(ctx context.Context, query string) (string, error) {
	resp, err := c.Search(ctx, SearchRequest{
		Query:         query,
		SearchDepth:   DepthAdvanced,
		IncludeAnswer: true,
		MaxResults:    defaultMaxResults,
	})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

// Extract fetches the text of up to maxExtractURLs pages per call; longer
// lists are split into batches. Per-URL failures are reported in FailedResults.
func (c *Client) Extract(ctx context.Context, urls []string) (*ExtractResponse, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: no URLs to extract", resilience.ErrValidation)
	}

	out := &ExtractResponse{}
	for start := 0; start < len(cleaned); start += maxExtractURLs {
		end := start + maxExtractURLs
		if end > len(cleaned) {
			end = len(cleaned)
		}
		batch := cleaned[start:end]
		cost := (len(batch) + 4) / 5

		var resp ExtractResponse
		if err := c.call(ctx, "/extract", cost, extractRequest{URLs: batch}, &resp); err != nil {
			return nil, fmt.Errorf("tavily extract: %w", err)
		}
		out.Results = append(out.Results, resp.Results...)
		out.FailedResults = append(out.FailedResults, resp.FailedResults...)
	}

	c.logger.Info("Tavily extract completed",
		zap.Int("requested", len(cleaned)),
		zap.Int("extracted", len(out.Results)),
		zap.Int("failed", len(out.FailedResults)))

	return out, nil
}

// call performs one logical request with retries; each attempt takes a fresh key
func (c *Client) call(ctx context.Context, path string, cost int, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return resilience.Retry(ctx, c.logger, c.retry, func(ctx context.Context) error {
		key, err := c.keys.GetKey(ctx, cost)
		if err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := c.do(ctx, path, key, payload, out); err != nil {
			kind := c.keys.ReportFailure(key, err)
			c.logger.Warn("Tavily request failed",
				zap.String("path", path),
				zap.String("key", keybalancer.Mask(key)),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return err
		}
		c.keys.MarkSuccess(key)
		return nil
	})
}

func (c *Client) do(ctx context.Context, path, key string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(resp.StatusCode, raw)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorDetail pulls the message out of {"detail":{"error":"..."}} or
// {"detail":"..."} bodies, falling back to the raw text
func errorDetail(status int, raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var nested struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body.Detail, &nested) == nil && nested.Error != "" {
			return nested.Error
		}
		var text string
		if json.Unmarshal(body.Detail, &text) == nil && text != "" {
			return text
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return http.StatusText(status)
	}
	return text
}

// IsAPIError reports whether err carries a Tavily API response with the given status
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
