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
	"fmt"
	"strings"
	"sync/atomic"
)

// FallbackRule names the result when no rule matches
const FallbackRule = "fallback"

const fallbackReasoning = "No research heuristic matched; answering directly"

// Detector classifies queries against a rule table. Detect is safe to call
// concurrently with SetRules.
type Detector struct {
	rules atomic.Pointer[[]*compiledRule]
}

// NewDetector compiles rules into a detector
func NewDetector(rules []Rule) (*Detector, error) {
	d := &Detector{}
	if err := d.SetRules(rules); err != nil {
		return nil, err
	}
	return d, nil
}

// MustNewDetector is NewDetector that panics on invalid rules
func MustNewDetector(rules []Rule) *Detector {
	d, err := NewDetector(rules)
	if err != nil {
		panic(err)
	}
	return d
}

// SetRules validates and atomically replaces the rule table. On error the
// current table stays in place.
func (d *Detector) SetRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return fmt.Errorf("invalid routing rules: %w", err)
	}
	d.rules.Store(&compiled)
	return nil
}

// Rules returns the active rules in evaluation order
func (d *Detector) Rules() []Rule {
	compiled := *d.rules.Load()
	out := make([]Rule, len(compiled))
	for i, cr := range compiled {
		out[i] = cr.Rule
	}
	return out
}

// Detect classifies query. The first matching rule in priority order wins;
// when none match the result is Simple. An override raises the tier but never
// replaces a detected workflow or a higher tier.
func (d *Detector) Detect(query string, override Mode) Analysis {
	query = strings.TrimSpace(query)
	queryLower := strings.ToLower(query)

	analysis := newAnalysis(query, Simple, FallbackRule, fallbackReasoning)
	if query != "" {
		for _, rule := range *d.rules.Load() {
			if matched, ok := rule.match(query, queryLower); ok {
				reasoning := fmt.Sprintf("%s (matched %q)", rule.Reasoning, matched)
				analysis = newAnalysis(query, rule.Complexity, rule.Name, reasoning)
				break
			}
		}
	}

	return applyOverride(query, analysis, override)
}

func applyOverride(query string, analysis Analysis, override Mode) Analysis {
	forced := override.complexity()
	if forced == "" {
		return analysis
	}
	if analysis.Complexity.IsWorkflow() || forced.rank() <= analysis.Complexity.rank() {
		analysis.Reasoning += fmt.Sprintf("; %s override kept detected tier", override)
		return analysis
	}

	out := newAnalysis(query, forced, analysis.Rule,
		fmt.Sprintf("User requested %s research; detected %s: %s", override, analysis.Complexity, analysis.Reasoning))
	out.Override = override
	return out
}

var defaultDetector = MustNewDetector(DefaultRules())

// Detect classifies query with the default rule table
func Detect(query string, override Mode) Analysis {
	return defaultDetector.Detect(query, override)
}
