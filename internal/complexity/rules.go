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

package complexity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Rule is one routing heuristic. A rule matches when any keyword appears on
// word boundaries in the lower-cased query or any pattern matches the query.
type Rule struct {
	Name       string     `mapstructure:"name" json:"name" yaml:"name"`
	Priority   int        `mapstructure:"priority" json:"priority" yaml:"priority"`
	Complexity Complexity `mapstructure:"complexity" json:"complexity" yaml:"complexity"`
	Keywords   []string   `mapstructure:"keywords" json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Patterns   []string   `mapstructure:"patterns" json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Reasoning  string     `mapstructure:"reasoning" json:"reasoning" yaml:"reasoning"`
}

// Priorities of the default rules, highest first
const (
	PriorityURLExtraction    = 100
	PriorityComprehensive    = 90
	PriorityCaseLaw          = 80
	PriorityDrafting         = 70
	PriorityDocumentReview   = 60
	PriorityFullContent      = 50
	PriorityMultiPerspective = 40
	PriorityGeneralResearch  = 30
)

// DefaultRules returns the built-in routing table
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "url-extraction",
			Priority:   PriorityURLExtraction,
			Complexity: WorkflowReview,
			Patterns: []string{
				`(?i)https?://[^\s]+`,
				`(?i)\bwww\.[a-z0-9-]+\.[a-z]{2,}`,
			},
			Reasoning: "Query references a web page that must be extracted and reviewed",
		},
		{
			Name:       "comprehensive",
			Priority:   PriorityComprehensive,
			Complexity: Comprehensive,
			Keywords: []string{
				"comprehensive", "exhaustive", "thorough analysis", "full report",
				"in-depth report", "complete analysis", "all aspects", "research memo",
				"legal memorandum", "everything about",
			},
			Reasoning: "Query asks for a comprehensive multi-source research report",
		},
		{
			Name:       "case-law",
			Priority:   PriorityCaseLaw,
			Complexity: WorkflowCaseLaw,
			Keywords: []string{
				"case law", "caselaw", "additional case law", "compare cases", "precedent",
				"precedents", "holding", "holdings", "court decisions", "court rulings",
				"judicial decisions", "landmark case", "landmark cases", "different courts",
				"cited cases", "judgments", "ruled in",
			},
			Patterns: []string{
				// Party names are capitalised and "v" is lower case, so
				// "Part V of" and a bare letter v stay out.
				`\b[A-Z][\w.'&-]*\s+vs?\.?\s+[A-Z][\w.'&-]*`,
			},
			Reasoning: "Query requires finding and comparing court decisions",
		},
		{
			Name:       "drafting",
			Priority:   PriorityDrafting,
			Complexity: WorkflowDrafting,
			Keywords: []string{
				"draft", "drafting", "write a contract", "write an agreement", "write a letter",
				"prepare a contract", "prepare an agreement", "demand letter",
				"cease and desist letter", "template for",
			},
			Patterns: []string{
				`(?i)\b(write|prepare|create|generate)\s+(me\s+)?(a|an|the)\s+` +
					`(contract|agreement|letter|notice|will|lease|motion|petition|affidavit|pleading|clause)\b`,
			},
			Reasoning: "Query asks for a legal document to be drafted",
		},
		{
			Name:       "document-review",
			Priority:   PriorityDocumentReview,
			Complexity: WorkflowReview,
			Keywords: []string{
				"review this", "review my", "review the attached", "analyze this document",
				"analyse this document", "check this contract", "this clause",
				"the following clause", "uploaded document",
			},
			Patterns: []string{
				`(?i)\b(review|analy[sz]e|check|examine)\s+(this|my|the\s+following|the\s+attached)\s+` +
					`(contract|agreement|document|clause|lease|will|policy|terms)\b`,
			},
			Reasoning: "Query asks for review of a specific document",
		},
		{
			Name:       "full-content",
			Priority:   PriorityFullContent,
			Complexity: Deep,
			Keywords: []string{
				"full text", "full content", "entire judgment", "read the judgment",
				"complete text", "detailed analysis", "in detail", "deep dive",
				"step by step analysis",
			},
			Reasoning: "Query needs full source documents rather than search snippets",
		},
		{
			Name:       "multi-perspective",
			Priority:   PriorityMultiPerspective,
			Complexity: Medium,
			Keywords: []string{
				"compare", "comparison", "versus", "vs", "pros and cons", "difference between",
				"differences between", "advantages and disadvantages", "perspectives",
				"both sides", "contrast",
			},
			Reasoning: "Query needs several sources weighed against each other",
		},
		{
			Name:       "general-research",
			Priority:   PriorityGeneralResearch,
			Complexity: Light,
			Keywords: []string{
				"latest", "recent", "current", "research", "find", "search", "statute",
				"statutes", "regulation", "regulations", "act", "section", "amendment",
				"constitution", "legal requirements", "requirements for", "penalty for",
				"penalties", "how do i",
			},
			Reasoning: "Query needs a quick web search for current legal information",
		},
	}
}

// compiledRule is a validated rule with its matchers built
type compiledRule struct {
	Rule
	keywords []*regexp.Regexp
	patterns []*regexp.Regexp
}

// match returns the first keyword or pattern text that matched
func (r *compiledRule) match(query, queryLower string) (string, bool) {
	for i, re := range r.keywords {
		if re.MatchString(queryLower) {
			return r.Keywords[i], true
		}
	}
	for _, re := range r.patterns {
		if m := re.FindString(query); m != "" {
			return m, true
		}
	}
	return "", false
}

// compileRules validates rules and returns them in evaluation order:
// descending priority, then table order
func compileRules(rules []Rule) ([]*compiledRule, error) {
	var errs []error
	seen := make(map[string]bool, len(rules))
	compiled := make([]*compiledRule, 0, len(rules))

	for i, rule := range rules {
		cr, err := compileRule(rule, i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[rule.Name] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate name", rule.Name))
			continue
		}
		seen[rule.Name] = true
		compiled = append(compiled, cr)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return compiled, nil
}

func compileRule(rule Rule, order int) (*compiledRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, fmt.Errorf("rule %d: name is required", order)
	}
	if !rule.Complexity.Valid() {
		return nil, fmt.Errorf("rule %q: unknown complexity %q", rule.Name, rule.Complexity)
	}
	if len(rule.Keywords) == 0 && len(rule.Patterns) == 0 {
		return nil, fmt.Errorf("rule %q: needs at least one keyword or pattern", rule.Name)
	}

	cr := &compiledRule{Rule: rule}
	for _, keyword := range rule.Keywords {
		re, err := keywordPattern(keyword)
		if err != nil {
			return nil, fmt.Errorf("rule %q: keyword %q: %w", rule.Name, keyword, err)
		}
		cr.keywords = append(cr.keywords, re)
	}
	for _, pattern := range rule.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: pattern %q: %w", rule.Name, pattern, err)
		}
		cr.patterns = append(cr.patterns, re)
	}
	return cr, nil
}

// keywordPattern matches a keyword on word boundaries. Multi-word keywords
// accept any whitespace between words.
func keywordPattern(keyword string) (*regexp.Regexp, error) {
	words := strings.Fields(strings.ToLower(keyword))
	if len(words) == 0 {
		return nil, errors.New("empty keyword")
	}
	escaped := make([]string, len(words))
	for i, word := range words {
		escaped[i] = regexp.QuoteMeta(word)
	}
	return regexp.Compile(`\b` + strings.Join(escaped, `\s+`) + `\b`)
}
