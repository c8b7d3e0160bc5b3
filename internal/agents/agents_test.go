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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/sources"
	"github.com/your-org/legal-research-assistant/internal/streaming"
	"github.com/your-org/legal-research-assistant/internal/tavily"
)

type fakeLLM struct {
	mu       sync.Mutex
	requests []cerebras.ChatRequest
	streamed int
	respond  func(req cerebras.ChatRequest) (string, error)
}

func (f *fakeLLM) Chat(_ context.Context, req cerebras.ChatRequest) (*cerebras.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	content := "The answer is settled law [1]."
	if respond != nil {
		var err error
		if content, err = respond(req); err != nil {
			return nil, err
		}
	}
	return &cerebras.ChatResponse{Content: content, Usage: cerebras.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, req cerebras.ChatRequest, onDelta func(string)) (*cerebras.ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.streamed++
	f.mu.Unlock()
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		onDelta(word)
	}
	return resp, nil
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.requests[len(f.requests)-1].Messages
	return msgs[len(msgs)-1].Content
}

type fakeSearch struct {
	mu         sync.Mutex
	searches   []tavily.SearchRequest
	extracts   [][]string
	results    map[string][]tavily.SearchResult
	answer     string
	searchErr  error
	extracted  map[string]string
	extractErr error
}

func (f *fakeSearch) Search(_ context.Context, req tavily.SearchRequest) (*tavily.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	results, ok := f.results[req.Query]
	if !ok {
		results = defaultResults
	}
	resp := &tavily.SearchResponse{Query: req.Query, Results: results}
	if req.IncludeAnswer {
		resp.Answer = f.answer
	}
	return resp, nil
}

func (f *fakeSearch) Extract(_ context.Context, urls []string) (*tavily.ExtractResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, urls)
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	resp := &tavily.ExtractResponse{}
	for _, u := range urls {
		if text, ok := f.extracted[u]; ok {
			resp.Results = append(resp.Results, tavily.ExtractResult{URL: u, RawContent: text})
		} else {
			resp.FailedResults = append(resp.FailedResults, tavily.FailedResult{URL: u, Error: "blocked"})
		}
	}
	return resp, nil
}

type fakeFetcher struct {
	pages map[string]string
	calls []string
}

func (f *fakeFetcher) Text(_ context.Context, rawURL string) (string, error) {
	f.calls = append(f.calls, rawURL)
	if text, ok := f.pages[rawURL]; ok {
		return text, nil
	}
	return "", errors.New("fetch failed")
}

type fakeDocuments struct {
	docs  []sources.Source
	calls int
}

func (f *fakeDocuments) Search(_ context.Context, _ string, _ int) ([]sources.Source, error) {
	f.calls++
	return f.docs, nil
}

var defaultResults = []tavily.SearchResult{
	{Title: "Herald report", URL: "https://www.herald.co.zw/story", Content: "news snippet", Score: 0.9},
	{Title: "Labour Act s12", URL: "https://zimlii.org/akn/zw/act/1985/16", Content: "statute snippet", Score: 0.5},
	{Title: "Law blog", URL: "https://example-blog.com/post", Content: "blog snippet", Score: 0.7},
}

type fixture struct {
	llm      *fakeLLM
	search   *fakeSearch
	fetch    *fakeFetcher
	docs     *fakeDocuments
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		llm:    &fakeLLM{},
		search: &fakeSearch{extracted: map[string]string{}},
		fetch:  &fakeFetcher{pages: map[string]string{}},
		docs:   &fakeDocuments{},
	}
	registry, err := NewRegistry(Deps{
		LLM:       f.llm,
		Search:    f.search,
		Fetch:     f.fetch,
		Documents: f.docs,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.registry = registry
	return f
}

func (f *fixture) run(t *testing.T, kind Kind, req *Request) *Result {
	t.Helper()
	agent, err := f.registry.Get(kind)
	require.NoError(t, err)
	assert.Equal(t, kind, agent.Kind())
	if req.Analysis.Complexity == "" {
		req.Analysis = complexity.Detect(req.Query, complexity.ModeAuto)
	}
	result, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	return result
}

func TestSelect(t *testing.T) {
	tests := []struct {
		tier      complexity.Complexity
		workflows Kind
		noFlows   Kind
	}{
		{complexity.Simple, KindChat, KindChat},
		{complexity.Light, KindSearch, KindSearch},
		{complexity.Medium, KindResearch, KindResearch},
		{complexity.Deep, KindDeepResearch, KindDeepResearch},
		{complexity.WorkflowReview, KindReviewWorkflow, KindDeepResearch},
		{complexity.WorkflowCaseLaw, KindCaseLawWorkflow, KindDeepResearch},
		{complexity.WorkflowDrafting, KindDraftingWorkflow, KindDeepResearch},
		{complexity.Comprehensive, KindComprehensiveWorkflow, KindDeepResearch},
		{complexity.Complexity("bogus"), KindChat, KindChat},
		{complexity.Complexity(""), KindChat, KindChat},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.workflows, Select(tt.tier, true))
			assert.Equal(t, tt.noFlows, Select(tt.tier, false))
		})
	}
}

func TestSelect_ToolTiersNeverGetChat(t *testing.T) {
	for _, c := range complexity.All() {
		for _, enabled := range []bool{true, false} {
			kind := Select(c, enabled)
			assert.Contains(t, AllKinds(), kind)
			assert.Equal(t, c.RequiresTools(), kind.UsesTools(), "%s workflows=%v", c, enabled)
		}
	}
}

func TestKind_IsWorkflow(t *testing.T) {
	assert.False(t, KindChat.IsWorkflow())
	assert.False(t, KindDeepResearch.IsWorkflow())
	assert.True(t, KindCaseLawWorkflow.IsWorkflow())
	assert.True(t, KindComprehensiveWorkflow.IsWorkflow())
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(Deps{})
	assert.Error(t, err)

	chatOnly, err := NewRegistry(Deps{LLM: &fakeLLM{}})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindChat}, chatOnly.Kinds())
	_, err = chatOnly.Get(KindCaseLawWorkflow)
	assert.ErrorIs(t, err, ErrToolUnavailable)

	f := newFixture(t)
	assert.Equal(t, AllKinds(), f.registry.Kinds())
}

func TestRegistry_StepSequences(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{"answer"}, f.registry.StepNames(KindChat))
	assert.Equal(t, []string{"web_search", "synthesize"}, f.registry.StepNames(KindSearch))
	assert.Equal(t, []string{"web_search", "extract", "synthesize"}, f.registry.StepNames(KindDeepResearch))
	assert.Equal(t, []string{"load_document", "synthesize"}, f.registry.StepNames(KindReviewWorkflow))
	assert.Equal(t, []string{"document_search", "web_search", "extract", "synthesize"}, f.registry.StepNames(KindCaseLawWorkflow))
	assert.Equal(t, []string{"web_search", "outline", "synthesize"}, f.registry.StepNames(KindDraftingWorkflow))
	assert.Equal(t, []string{"plan", "parallel_search", "extract", "synthesize"}, f.registry.StepNames(KindComprehensiveWorkflow))
}

func TestChatAgent(t *testing.T) {
	f := newFixture(t)
	history := []cerebras.Message{
		{Role: cerebras.RoleUser, Content: strings.Repeat("old question ", 2000)},
		{Role: cerebras.RoleAssistant, Content: "A recent answer."},
	}

	result := f.run(t, KindChat, &Request{Query: "What is a contract?", History: history})

	assert.Equal(t, KindChat, result.Kind)
	assert.Equal(t, "The answer is settled law [1].", result.Answer)
	assert.Empty(t, result.Sources)
	assert.Empty(t, f.search.searches)

	req := f.llm.requests[0]
	assert.Equal(t, systemPrompt, req.System)
	require.Len(t, req.Messages, 2, "oversized history turn is dropped")
	assert.Equal(t, "A recent answer.", req.Messages[0].Content)
	assert.Equal(t, "What is a contract?", req.Messages[1].Content)
}

func TestSearchAgent_RanksAndCitesSources(t *testing.T) {
	f := newFixture(t)

	result := f.run(t, KindSearch, &Request{Query: "What is the notice period under the Labour Act?"})

	require.Len(t, f.search.searches, 1)
	assert.Equal(t, tavily.DepthBasic, f.search.searches[0].SearchDepth)

	prompt := f.llm.lastPrompt()
	assert.Contains(t, prompt, "User Query: What is the notice period")
	assert.Less(t, strings.Index(prompt, "Labour Act s12"), strings.Index(prompt, "Herald report"), "primary source is numbered first")

	assert.Equal(t, 3, result.Consulted)
	require.Len(t, result.Sources, 1, "only the cited source is returned")
	assert.Equal(t, "Labour Act s12", result.Sources[0].Title)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestResearchAgent_UsesSearchSummary(t *testing.T) {
	f := newFixture(t)
	f.search.answer = "Three months notice is required."

	f.run(t, KindResearch, &Request{Query: "Explain the notice requirements for dismissal"})

	require.Len(t, f.search.searches, 1)
	assert.Equal(t, tavily.DepthAdvanced, f.search.searches[0].SearchDepth)
	assert.True(t, f.search.searches[0].IncludeAnswer)
	assert.Contains(t, f.llm.lastPrompt(), "Three months notice is required.")
}

func TestDeepResearch_ExtractFallsBackToFetcher(t *testing.T) {
	f := newFixture(t)
	f.search.extracted["https://zimlii.org/akn/zw/act/1985/16"] = "Full text of section 12 of the Labour Act."
	f.fetch.pages["https://example-blog.com/post"] = "Full blog commentary on section 12."

	f.run(t, KindDeepResearch, &Request{Query: "Analyze section 12 of the Labour Act in depth"})

	require.Len(t, f.search.extracts, 1)
	assert.Len(t, f.search.extracts[0], 3)
	assert.ElementsMatch(t, []string{"https://example-blog.com/post", "https://www.herald.co.zw/story"}, f.fetch.calls)

	prompt := f.llm.lastPrompt()
	assert.Contains(t, prompt, "Full text of section 12")
	assert.Contains(t, prompt, "Full blog commentary")
	assert.Contains(t, prompt, "news snippet", "unreadable page keeps its snippet")
}

func TestDeepResearch_ExtractFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.search.extractErr = &tavily.APIError{Status: 500, Detail: "down"}

	result := f.run(t, KindDeepResearch, &Request{Query: "Analyze the law in depth"})
	assert.NotEmpty(t, result.Answer)
	assert.Len(t, f.fetch.calls, 3)
}

func TestCaseLawWorkflow(t *testing.T) {
	f := newFixture(t)
	f.docs.docs = []sources.Source{{
		Title: "Nyamande v Zuva Petroleum SC 43/15", URL: "legaldocs://doc-1",
		Content: "Common law right to terminate on notice.", Score: 0.8, Tier: sources.TierPrimary,
	}}
	stream := streaming.NewEventStream("chat-1")
	var stages []streaming.StageType
	stream.AddCallback(func(e streaming.Event) {
		if e.Type == streaming.EventTypeProgress {
			stages = append(stages, e.Stage)
		}
	})

	query := "Compare holdings from different courts on fair use doctrine"
	result := f.run(t, KindCaseLawWorkflow, &Request{Query: query, Stream: stream})

	assert.Equal(t, 1, f.docs.calls)
	require.Len(t, f.search.searches, 1)
	assert.Equal(t, sources.PrimaryDomains(), f.search.searches[0].IncludeDomains)

	require.Len(t, f.search.extracts, 1)
	assert.NotContains(t, f.search.extracts[0], "legaldocs://doc-1")

	assert.Contains(t, f.llm.lastPrompt(), "Nyamande v Zuva Petroleum")
	assert.Contains(t, f.llm.lastPrompt(), string(taskCaseLaw))
	assert.Equal(t, []streaming.StageType{
		streaming.StageDocumentSearch, streaming.StageWebSearch, streaming.StageExtraction, streaming.StageSynthesis,
	}, stages)
	assert.Equal(t, []string{"document_search", "web_search", "extract", "synthesize"}, result.Steps)
}

func TestReviewWorkflow(t *testing.T) {
	t.Run("query text is the document", func(t *testing.T) {
		f := newFixture(t)
		f.run(t, KindReviewWorkflow, &Request{Query: "Review this contract: The tenant shall pay rent monthly."})

		assert.Empty(t, f.search.extracts)
		assert.Contains(t, f.llm.lastPrompt(), "The document to review is the text of the user query.")
	})

	t.Run("linked document is extracted", func(t *testing.T) {
		f := newFixture(t)
		f.search.extracted["https://example.com/lease.html"] = "LEASE AGREEMENT between the parties."

		result := f.run(t, KindReviewWorkflow, &Request{Query: "Review the lease at https://example.com/lease.html please"})

		require.Len(t, f.search.extracts, 1)
		assert.Equal(t, []string{"https://example.com/lease.html"}, f.search.extracts[0])
		assert.Contains(t, f.llm.lastPrompt(), "LEASE AGREEMENT")
		assert.Equal(t, 1, result.Consulted)
	})

	t.Run("unreachable document is reported", func(t *testing.T) {
		f := newFixture(t)
		f.run(t, KindReviewWorkflow, &Request{Query: "Review https://example.com/missing.pdf"})
		assert.Contains(t, f.llm.lastPrompt(), "could not be retrieved")
	})
}

func TestDraftingWorkflow(t *testing.T) {
	f := newFixture(t)
	f.llm.respond = func(req cerebras.ChatRequest) (string, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, string(taskOutline)) {
			return "1. Parties\n2. Term\n3. Termination", nil
		}
		return "EMPLOYMENT CONTRACT\n1. Parties [1]", nil
	}

	result := f.run(t, KindDraftingWorkflow, &Request{Query: "Draft an employment contract for a Harare employee"})

	require.Len(t, f.llm.requests, 2)
	assert.Contains(t, f.llm.lastPrompt(), "Outline:\n1. Parties\n2. Term\n3. Termination")
	assert.Contains(t, f.llm.lastPrompt(), string(taskDraft))
	assert.True(t, strings.HasPrefix(result.Answer, "EMPLOYMENT CONTRACT"))
	assert.Equal(t, 30, result.Usage.TotalTokens)
}

func TestComprehensiveWorkflow(t *testing.T) {
	f := newFixture(t)
	query := "Give me a comprehensive analysis of land tenure law"
	f.llm.respond = func(req cerebras.ChatRequest) (string, error) {
		if strings.Contains(req.Messages[0].Content, "focused search queries") {
			return "1. communal land tenure statute\n- resettlement land permits\ncommunal land tenure statute\n" + query, nil
		}
		return "Report [2]", nil
	}
	f.search.results = map[string][]tavily.SearchResult{
		"resettlement land permits": {
			{Title: "Land Commission Act", URL: "https://www.veritaszim.net/land", Content: "permits", Score: 0.6},
			{Title: "Duplicate statute", URL: "https://zimlii.org/akn/zw/act/1985/16/", Content: "dup", Score: 0.1},
		},
	}
	stream := streaming.NewEventStream("chat-1")

	result := f.run(t, KindComprehensiveWorkflow, &Request{Query: query, Stream: stream})

	require.Len(t, f.search.searches, 3, "original query plus two distinct sub-queries")
	var searched []string
	for _, s := range f.search.searches {
		searched = append(searched, s.Query)
		assert.Equal(t, tavily.DepthBasic, s.SearchDepth)
	}
	assert.ElementsMatch(t, []string{query, "communal land tenure statute", "resettlement land permits"}, searched)

	assert.Equal(t, 4, result.Consulted, "duplicate URLs are merged")
	require.Len(t, result.Sources, 1)
	assert.Contains(t, f.llm.lastPrompt(), string(taskReport))

	var planned bool
	for _, e := range stream.GetEvents() {
		if e.Message == "Research plan ready" {
			planned = true
			assert.Len(t, e.Data["queries"], 3)
		}
	}
	assert.True(t, planned)
}

func TestComprehensiveWorkflow_SearchFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.search.searchErr = &tavily.APIError{Status: 432, Detail: "plan limit"}

	agent, err := f.registry.Get(KindComprehensiveWorkflow)
	require.NoError(t, err)
	_, err = agent.Run(context.Background(), &Request{Query: "comprehensive overview of bail law"})

	var apiErr *tavily.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "parallel_search")
}

func TestRun_VendorErrorPropagates(t *testing.T) {
	f := newFixture(t)
	boom := &cerebras.APIError{Status: 503, Message: "overloaded"}
	f.llm.respond = func(cerebras.ChatRequest) (string, error) { return "", boom }

	agent, err := f.registry.Get(KindSearch)
	require.NoError(t, err)
	_, err = agent.Run(context.Background(), &Request{Query: "latest amendments to the Labour Act"})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "search synthesize")
}

func TestRun_StreamsFinalAnswer(t *testing.T) {
	f := newFixture(t)
	var deltas []string

	result := f.run(t, KindSearch, &Request{
		Query:   "What does the Labour Act say about leave?",
		OnDelta: func(s string) { deltas = append(deltas, s) },
	})

	assert.Equal(t, 1, f.llm.streamed)
	assert.Equal(t, result.Answer, strings.Join(deltas, ""))
}

func TestRun_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agent, err := f.registry.Get(KindDeepResearch)
	require.NoError(t, err)
	_, err = agent.Run(ctx, &Request{Query: "anything"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.search.searches)
}
