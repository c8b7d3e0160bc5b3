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

// Package agents answers routed queries. Each agent or workflow is a fixed
// sequence of steps (search, extract, synthesize and so on); every step
// announces itself on the request's event stream before it runs.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/sources"
	"github.com/your-org/legal-research-assistant/internal/streaming"
	"github.com/your-org/legal-research-assistant/internal/tavily"
)

// ErrToolUnavailable is returned for agents whose search tools are not configured
var ErrToolUnavailable = errors.New("agent tools unavailable")

// LLM generates answers
type LLM interface {
	Chat(ctx context.Context, req cerebras.ChatRequest) (*cerebras.ChatResponse, error)
	ChatStream(ctx context.Context, req cerebras.ChatRequest, onDelta func(string)) (*cerebras.ChatResponse, error)
}

// WebSearcher runs web searches and page extraction
type WebSearcher interface {
	Search(ctx context.Context, req tavily.SearchRequest) (*tavily.SearchResponse, error)
	Extract(ctx context.Context, urls []string) (*tavily.ExtractResponse, error)
}

// PageFetcher downloads page text when extraction fails
type PageFetcher interface {
	Text(ctx context.Context, rawURL string) (string, error)
}

// DocumentSearcher searches the curated legal-document store
type DocumentSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]sources.Source, error)
}

// Config tunes agent behaviour
type Config struct {
	MaxSources    int `mapstructure:"max_sources"`
	ExtractURLs   int `mapstructure:"extract_urls"`
	SubQueries    int `mapstructure:"sub_queries"`
	Parallelism   int `mapstructure:"parallelism"`
	HistoryTokens int `mapstructure:"history_tokens"`
}

// DefaultConfig returns the default agent settings
func DefaultConfig() Config {
	return Config{
		MaxSources:    8,
		ExtractURLs:   3,
		SubQueries:    4,
		Parallelism:   3,
		HistoryTokens: 2000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSources <= 0 {
		c.MaxSources = d.MaxSources
	}
	if c.ExtractURLs <= 0 {
		c.ExtractURLs = d.ExtractURLs
	}
	if c.SubQueries <= 0 {
		c.SubQueries = d.SubQueries
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.HistoryTokens <= 0 {
		c.HistoryTokens = d.HistoryTokens
	}
	return c
}

// Deps are the collaborators agents call. Search is required by every
// agent except chat; Fetch and Documents are optional.
type Deps struct {
	LLM       LLM
	Search    WebSearcher
	Fetch     PageFetcher
	Documents DocumentSearcher
	Logger    *zap.Logger
	Config    Config
}

// Request is one query to answer
type Request struct {
	Query    string
	History  []cerebras.Message
	Analysis complexity.Analysis
	// Stream receives progress events; nil disables them
	Stream *streaming.EventStream
	// OnDelta, when set, receives the final answer as it is generated
	OnDelta func(string)
}

// Result is an answered query
type Result struct {
	Kind      Kind             `json:"agent"`
	Answer    string           `json:"answer"`
	Sources   []sources.Source `json:"sources"`
	Consulted int              `json:"sources_consulted"`
	Steps     []string         `json:"steps"`
	Usage     cerebras.Usage   `json:"usage"`
}

// Agent answers a request
type Agent interface {
	Kind() Kind
	Run(ctx context.Context, req *Request) (*Result, error)
}

// step is one stage of a pipeline
type step struct {
	name    string
	stage   streaming.StageType
	message string
	run     func(ctx context.Context, st *state) error
}

// state is carried from step to step within one run
type state struct {
	req     *Request
	deps    *Deps
	queries []string
	sources []sources.Source
	notes   []string
	outline string
	answer  string
	usage   cerebras.Usage
}

func (st *state) addUsage(u cerebras.Usage) {
	st.usage.PromptTokens += u.PromptTokens
	st.usage.CompletionTokens += u.CompletionTokens
	st.usage.TotalTokens += u.TotalTokens
}

// pipeline runs its steps in order and stops at the first error
type pipeline struct {
	kind  Kind
	steps []step
	deps  *Deps
}

func (p *pipeline) Kind() Kind {
	return p.kind
}

func (p *pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	st := &state{req: req, deps: p.deps}
	result := &Result{Kind: p.kind, Steps: make([]string, 0, len(p.steps))}

	for i, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.Stream.EmitProgress(s.stage, s.message, i*100/len(p.steps), map[string]interface{}{
			"agent": string(p.kind),
			"step":  s.name,
		})

		stepStart := time.Now()
		if err := s.run(ctx, st); err != nil {
			return nil, fmt.Errorf("%s %s: %w", p.kind, s.name, err)
		}
		p.deps.Logger.Debug("Agent step completed",
			zap.String("agent", string(p.kind)),
			zap.String("step", s.name),
			zap.Int("sources", len(st.sources)),
			zap.Duration("duration", time.Since(stepStart)))
		result.Steps = append(result.Steps, s.name)
	}

	result.Answer = st.answer
	result.Usage = st.usage
	result.Consulted = len(st.sources)
	result.Sources = citedSources(st.answer, st.sources)
	if len(result.Sources) == 0 {
		result.Sources = st.sources
	}

	p.deps.Logger.Info("Agent completed",
		zap.String("agent", string(p.kind)),
		zap.Int("steps", len(result.Steps)),
		zap.Int("sources_consulted", result.Consulted),
		zap.Int("sources_cited", len(result.Sources)),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

// answerTokens sizes the completion from the tier budget
func answerTokens(a complexity.Analysis) int {
	n := complexity.BudgetFor(a.Complexity).Tokens / 4
	if n < 1024 {
		return 1024
	}
	if n > 8192 {
		return 8192
	}
	return n
}

// contextTokens is the share of the tier budget spent on source text
func contextTokens(a complexity.Analysis) int {
	return complexity.BudgetFor(a.Complexity).Tokens / 2
}
