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

package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/sources"
	"github.com/your-org/legal-research-assistant/internal/streaming"
	"github.com/your-org/legal-research-assistant/internal/tavily"
)

var queryURL = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')\]]+`)

type searchOptions struct {
	depth         string
	includeAnswer bool
	primaryOnly   bool
}

// searchStep runs one web search for the user query
func searchStep(opts searchOptions) step {
	message := "Searching the web"
	if opts.primaryOnly {
		message = "Searching court and legislation databases"
	}
	return step{
		name:    "web_search",
		stage:   streaming.StageWebSearch,
		message: message,
		run: func(ctx context.Context, st *state) error {
			req := tavily.SearchRequest{
				Query:         st.req.Query,
				SearchDepth:   opts.depth,
				IncludeAnswer: opts.includeAnswer,
				MaxResults:    st.deps.Config.MaxSources,
			}
			if opts.primaryOnly {
				req.IncludeDomains = sources.PrimaryDomains()
			}
			resp, err := st.deps.Search.Search(ctx, req)
			if err != nil {
				return err
			}
			st.sources = sources.Rank(append(st.sources, resp.Sources()...))
			if resp.Answer != "" {
				st.notes = append(st.notes, "Search engine summary (unverified, check against the sources): "+resp.Answer)
			}
			return nil
		},
	}
}

// documentSearchStep queries the legal-document store when one is configured
func documentSearchStep() step {
	return step{
		name:    "document_search",
		stage:   streaming.StageDocumentSearch,
		message: "Searching the legal document library",
		run: func(ctx context.Context, st *state) error {
			if st.deps.Documents == nil {
				st.deps.Logger.Debug("Legal document store not configured, skipping")
				return nil
			}
			found, err := st.deps.Documents.Search(ctx, st.req.Query, st.deps.Config.MaxSources)
			if err != nil {
				return err
			}
			st.sources = sources.Rank(append(st.sources, found...))
			return nil
		},
	}
}

// extractStep replaces the snippets of the top sources with full page text
func extractStep() step {
	return step{
		name:    "extract",
		stage:   streaming.StageExtraction,
		message: "Reading the most relevant sources",
		run: func(ctx context.Context, st *state) error {
			var urls []string
			for _, s := range st.sources {
				if len(urls) == st.deps.Config.ExtractURLs {
					break
				}
				if isWebURL(s.URL) {
					urls = append(urls, s.URL)
				}
			}
			if len(urls) == 0 {
				return nil
			}

			texts, err := extractTexts(ctx, st.deps, urls)
			if err != nil {
				return err
			}
			for i, s := range st.sources {
				if text, ok := texts[s.URL]; ok && len(text) > len(s.Content) {
					st.sources[i] = s.WithContent(text)
				}
			}
			return nil
		},
	}
}

// extractTexts returns page text keyed by URL. Tavily is tried first and
// the page fetcher covers whatever it could not extract. Only cancellation
// is fatal; pages that cannot be read are skipped.
func extractTexts(ctx context.Context, deps *Deps, urls []string) (map[string]string, error) {
	texts := make(map[string]string, len(urls))

	resp, err := deps.Search.Extract(ctx, urls)
	switch {
	case err == nil:
		for _, r := range resp.Results {
			if strings.TrimSpace(r.RawContent) != "" {
				texts[r.URL] = r.RawContent
			}
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		deps.Logger.Warn("Tavily extract failed, falling back to page fetch",
			zap.Int("urls", len(urls)),
			zap.Error(err))
	}

	if deps.Fetch == nil {
		return texts, nil
	}
	for _, u := range urls {
		if _, ok := texts[u]; ok {
			continue
		}
		text, err := deps.Fetch.Text(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			deps.Logger.Warn("Page fetch failed", zap.String("url", u), zap.Error(err))
			continue
		}
		texts[u] = text
	}
	return texts, nil
}

// documentInputStep loads the documents a review is about. URLs in the
// query are extracted; without URLs the query itself is the document.
func documentInputStep() step {
	return step{
		name:    "load_document",
		stage:   streaming.StageExtraction,
		message: "Reading the document",
		run: func(ctx context.Context, st *state) error {
			urls := queryURL.FindAllString(st.req.Query, st.deps.Config.ExtractURLs)
			if len(urls) == 0 {
				st.notes = append(st.notes, "The document to review is the text of the user query.")
				return nil
			}

			texts, err := extractTexts(ctx, st.deps, urls)
			if err != nil {
				return err
			}
			for _, u := range urls {
				text, ok := texts[u]
				if !ok {
					st.notes = append(st.notes, fmt.Sprintf("The document at %s could not be retrieved.", u))
					continue
				}
				st.sources = append(st.sources, sources.New("Submitted document", u, text, 1))
			}
			return nil
		},
	}
}

// planStep asks the model to split the query into sub-queries
func planStep() step {
	return step{
		name:    "plan",
		stage:   streaming.StagePlanning,
		message: "Planning the research",
		run: func(ctx context.Context, st *state) error {
			resp, err := st.deps.LLM.Chat(ctx, cerebras.ChatRequest{
				System:    systemPrompt,
				Messages:  []cerebras.Message{{Role: cerebras.RoleUser, Content: planPrompt(st.req.Query, st.deps.Config.SubQueries)}},
				MaxTokens: 512,
			})
			if err != nil {
				return err
			}
			st.addUsage(resp.Usage)

			st.queries = []string{st.req.Query}
			for _, q := range parseSubQueries(resp.Content, st.deps.Config.SubQueries) {
				if !strings.EqualFold(q, st.req.Query) {
					st.queries = append(st.queries, q)
				}
			}
			st.req.Stream.EmitProgress(streaming.StagePlanning, "Research plan ready", 0, map[string]interface{}{
				"queries": st.queries,
			})
			return nil
		},
	}
}

// fanOutSearchStep searches every planned query concurrently. Any failed
// search fails the step.
func fanOutSearchStep() step {
	return step{
		name:    "parallel_search",
		stage:   streaming.StageWebSearch,
		message: "Searching each part of the question",
		run: func(ctx context.Context, st *state) error {
			queries := st.queries
			if len(queries) == 0 {
				queries = []string{st.req.Query}
			}

			results := make([][]sources.Source, len(queries))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(st.deps.Config.Parallelism)
			for i, q := range queries {
				i, q := i, q
				g.Go(func() error {
					resp, err := st.deps.Search.Search(gctx, tavily.SearchRequest{
						Query:       q,
						SearchDepth: tavily.DepthBasic,
						MaxResults:  st.deps.Config.MaxSources,
					})
					if err != nil {
						return fmt.Errorf("sub-query %q: %w", q, err)
					}
					results[i] = resp.Sources()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for _, r := range results {
				st.sources = append(st.sources, r...)
			}
			st.sources = sources.Rank(st.sources)
			return nil
		},
	}
}

// outlineStep drafts the structure of a requested document
func outlineStep() step {
	return step{
		name:    "outline",
		stage:   streaming.StagePlanning,
		message: "Outlining the document",
		run: func(ctx context.Context, st *state) error {
			srcs := sources.Top(st.sources, st.deps.Config.MaxSources)
			prompt := buildPrompt(st.req.Query, taskOutline, srcs, st.notes, contextTokens(st.req.Analysis)/2)
			resp, err := st.deps.LLM.Chat(ctx, cerebras.ChatRequest{
				System:    systemPrompt,
				Messages:  []cerebras.Message{{Role: cerebras.RoleUser, Content: prompt}},
				MaxTokens: 1024,
			})
			if err != nil {
				return err
			}
			st.addUsage(resp.Usage)
			st.outline = strings.TrimSpace(resp.Content)
			st.notes = append(st.notes, "Outline:\n"+st.outline)
			return nil
		},
	}
}

// synthesizeStep writes the final answer from the gathered sources
func synthesizeStep(t task, message string) step {
	return step{
		name:    "synthesize",
		stage:   streaming.StageSynthesis,
		message: message,
		run: func(ctx context.Context, st *state) error {
			st.sources = sources.Top(sources.Rank(st.sources), st.deps.Config.MaxSources)
			prompt := buildPrompt(st.req.Query, t, st.sources, st.notes, contextTokens(st.req.Analysis))
			return generate(ctx, st, prompt)
		},
	}
}

// answerStep answers directly with no tools
func answerStep() step {
	return step{
		name:    "answer",
		stage:   streaming.StageSynthesis,
		message: "Writing the answer",
		run: func(ctx context.Context, st *state) error {
			return generate(ctx, st, st.req.Query)
		},
	}
}

// generate sends prompt after the trimmed history and stores the answer
func generate(ctx context.Context, st *state, prompt string) error {
	history := trimHistory(st.req.History, st.deps.Config.HistoryTokens)
	messages := make([]cerebras.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, cerebras.Message{Role: cerebras.RoleUser, Content: prompt})

	req := cerebras.ChatRequest{
		System:    systemPrompt,
		Messages:  messages,
		MaxTokens: answerTokens(st.req.Analysis),
	}

	var (
		resp *cerebras.ChatResponse
		err  error
	)
	if st.req.OnDelta != nil {
		resp, err = st.deps.LLM.ChatStream(ctx, req, st.req.OnDelta)
	} else {
		resp, err = st.deps.LLM.Chat(ctx, req)
	}
	if err != nil {
		return err
	}
	st.addUsage(resp.Usage)
	st.answer = strings.TrimSpace(resp.Content)
	return nil
}

func isWebURL(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}
