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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/tavily"
)

// Registry holds one agent per kind
type Registry struct {
	agents map[Kind]Agent
}

// NewRegistry builds every agent the dependencies allow. Without a
// WebSearcher only the chat agent is available.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.LLM == nil {
		return nil, errors.New("agents: LLM is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Config = deps.Config.withDefaults()
	d := &deps

	r := &Registry{agents: make(map[Kind]Agent, len(AllKinds()))}
	r.add(d, KindChat, answerStep())

	if d.Search == nil {
		d.Logger.Warn("No web search configured, only the chat agent is available")
		return r, nil
	}

	r.add(d, KindSearch,
		searchStep(searchOptions{depth: tavily.DepthBasic}),
		synthesizeStep(taskAnswer, "Writing the answer"))

	r.add(d, KindResearch,
		searchStep(searchOptions{depth: tavily.DepthAdvanced, includeAnswer: true}),
		synthesizeStep(taskResearch, "Writing the research answer"))

	r.add(d, KindDeepResearch,
		searchStep(searchOptions{depth: tavily.DepthAdvanced}),
		extractStep(),
		synthesizeStep(taskResearch, "Writing the research answer"))

	r.add(d, KindReviewWorkflow,
		documentInputStep(),
		synthesizeStep(taskReview, "Reviewing the document"))

	r.add(d, KindCaseLawWorkflow,
		documentSearchStep(),
		searchStep(searchOptions{depth: tavily.DepthAdvanced, primaryOnly: true}),
		extractStep(),
		synthesizeStep(taskCaseLaw, "Comparing the holdings"))

	r.add(d, KindDraftingWorkflow,
		searchStep(searchOptions{depth: tavily.DepthAdvanced}),
		outlineStep(),
		synthesizeStep(taskDraft, "Drafting the document"))

	r.add(d, KindComprehensiveWorkflow,
		planStep(),
		fanOutSearchStep(),
		extractStep(),
		synthesizeStep(taskReport, "Writing the report"))

	return r, nil
}

func (r *Registry) add(deps *Deps, kind Kind, steps ...step) {
	r.agents[kind] = &pipeline{kind: kind, steps: steps, deps: deps}
}

// Get returns the agent for kind
func (r *Registry) Get(kind Kind) (Agent, error) {
	a, ok := r.agents[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, kind)
	}
	return a, nil
}

// Kinds lists the available agents
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.agents))
	for _, k := range AllKinds() {
		if _, ok := r.agents[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// StepNames returns the step sequence of an agent
func (r *Registry) StepNames(kind Kind) []string {
	p, ok := r.agents[kind].(*pipeline)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		names = append(names, s.name)
	}
	return names
}
