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

// Package complexity classifies legal research questions into complexity tiers.
// Each tier determines which agent or workflow answers the question and the
// step, token and latency budget the answer is expected to consume.
package complexity

import (
	"fmt"
	"strings"

	"github.com/your-org/legal-research-assistant/internal/tokens"
)

// Complexity is a routing tier
type Complexity string

const (
	Simple           Complexity = "simple"
	Light            Complexity = "light"
	Medium           Complexity = "medium"
	Deep             Complexity = "deep"
	WorkflowReview   Complexity = "workflow-review"
	WorkflowCaseLaw  Complexity = "workflow-caselaw"
	WorkflowDrafting Complexity = "workflow-drafting"
	Comprehensive    Complexity = "comprehensive"
)

// All returns every tier from lowest to highest
func All() []Complexity {
	return []Complexity{
		Simple, Light, Medium, Deep,
		WorkflowReview, WorkflowCaseLaw, WorkflowDrafting,
		Comprehensive,
	}
}

// rank orders tiers for override decisions; workflow tiers share a rank
func (c Complexity) rank() int {
	switch c {
	case Simple:
		return 0
	case Light:
		return 1
	case Medium:
		return 2
	case Deep:
		return 3
	case WorkflowReview, WorkflowCaseLaw, WorkflowDrafting:
		return 4
	case Comprehensive:
		return 5
	default:
		return -1
	}
}

// Valid reports whether c is a known tier
func (c Complexity) Valid() bool {
	return c.rank() >= 0
}

// IsWorkflow reports whether c is one of the fixed multi-step workflows
func (c Complexity) IsWorkflow() bool {
	switch c {
	case WorkflowReview, WorkflowCaseLaw, WorkflowDrafting:
		return true
	default:
		return false
	}
}

// RequiresTools reports whether the tier must run search or extraction tools
// instead of answering from the model alone
func (c Complexity) RequiresTools() bool {
	return c.Valid() && c != Simple
}

// ParseComplexity converts a label into a Complexity
func ParseComplexity(s string) (Complexity, error) {
	c := Complexity(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown complexity %q", s)
	}
	return c, nil
}

// Mode is a user override of automatic detection
type Mode string

const (
	ModeAuto          Mode = "auto"
	ModeDeep          Mode = "deep"
	ModeComprehensive Mode = "comprehensive"
)

// ParseMode converts a label into a Mode; the empty string is ModeAuto
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeDeep:
		return ModeDeep, nil
	case ModeComprehensive:
		return ModeComprehensive, nil
	default:
		return ModeAuto, fmt.Errorf("unknown mode %q", s)
	}
}

// complexity returns the tier a mode forces, or "" for ModeAuto
func (m Mode) complexity() Complexity {
	switch m {
	case ModeDeep:
		return Deep
	case ModeComprehensive:
		return Comprehensive
	default:
		return ""
	}
}

// Budget is the expected cost of answering at a tier
type Budget struct {
	Steps   int    `json:"steps"`
	Tokens  int    `json:"tokens"`
	Latency string `json:"latency"`
}

var budgets = map[Complexity]Budget{
	Simple:           {Steps: 1, Tokens: 1500, Latency: "1-3s"},
	Light:            {Steps: 2, Tokens: 4000, Latency: "3-6s"},
	Medium:           {Steps: 3, Tokens: 8000, Latency: "6-12s"},
	Deep:             {Steps: 5, Tokens: 16000, Latency: "15-30s"},
	WorkflowReview:   {Steps: 3, Tokens: 12000, Latency: "10-20s"},
	WorkflowCaseLaw:  {Steps: 4, Tokens: 20000, Latency: "20-40s"},
	WorkflowDrafting: {Steps: 4, Tokens: 18000, Latency: "20-40s"},
	Comprehensive:    {Steps: 6, Tokens: 32000, Latency: "45-90s"},
}

// BudgetFor returns the budget of a tier; unknown tiers get the simple budget
func BudgetFor(c Complexity) Budget {
	if b, ok := budgets[c]; ok {
		return b
	}
	return budgets[Simple]
}

// Analysis is the result of classifying one query
type Analysis struct {
	Complexity       Complexity `json:"complexity"`
	Reasoning        string     `json:"reasoning"`
	Rule             string     `json:"rule"`
	Override         Mode       `json:"override,omitempty"`
	EstimatedSteps   int        `json:"estimated_steps"`
	EstimatedTokens  int        `json:"estimated_tokens"`
	EstimatedLatency string     `json:"estimated_latency"`
}

func newAnalysis(query string, c Complexity, rule, reasoning string) Analysis {
	budget := BudgetFor(c)
	return Analysis{
		Complexity:       c,
		Reasoning:        reasoning,
		Rule:             rule,
		EstimatedSteps:   budget.Steps,
		EstimatedTokens:  budget.Tokens + tokens.Estimate(query),
		EstimatedLatency: budget.Latency,
	}
}
