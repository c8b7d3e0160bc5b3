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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/sources"
	"github.com/your-org/legal-research-assistant/internal/tokens"
)

// systemPrompt is shared by every agent
const systemPrompt = `You are a legal research assistant. You help lawyers, students and members of the public understand the law, with particular depth in Zimbabwean law and the wider Southern African region.

Guidelines:
- Answer precisely and say which jurisdiction your answer applies to
- Prefer primary authority (statutes, judgments, gazettes) over commentary and news
- Cite sources with their bracketed number, for example [1], immediately after the statement they support
- Never invent case names, citations or section numbers; say so when the sources do not answer the question
- You provide legal information, not legal advice; recommend a qualified practitioner for decisions with legal consequences
`

// task is the instruction block appended for each kind of answer
type task string

const (
	taskAnswer task = `Answer the user's question using the sources below where they are relevant.`

	taskResearch task = `Write a structured research answer: a short direct answer, the governing law, the key authorities with citations, and any open points or conflicting positions.`

	taskReview task = `Review the document below. Identify its nature and parties, summarise its key terms, flag clauses that are unusual, one-sided or unenforceable under the governing law, and list concrete recommended changes.`

	taskCaseLaw task = `Compare the cases in the sources. For each case give the court, the year if known, the facts in one sentence, and the holding. Then explain where the courts agree, where they diverge and which position is more authoritative in the relevant jurisdiction.`

	taskOutline task = `Produce a numbered outline for the requested legal document. List its sections and the clauses each must contain under the governing law. Output only the outline.`

	taskDraft task = `Draft the requested legal document in full following the outline. Use clear headings and numbered clauses and mark every detail the user must supply in [SQUARE BRACKETS]. After the draft, list the legal requirements it relies on with citations.`

	taskPlan task = `Break the user's question into at most %d focused search queries that together cover it. Output one query per line with no numbering or commentary.`

	taskReport task = `Write a comprehensive research report with these sections: Summary, Legal Framework, Case Law, Analysis, Practical Implications, Conclusion. Cite sources throughout.`
)

// buildPrompt assembles the user message for a synthesis call. Sources are
// numbered in the order given and share contextTokens between them.
func buildPrompt(query string, t task, srcs []sources.Source, notes []string, contextTokens int) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("User Query: %s\n\n", query))

	for _, note := range notes {
		if strings.TrimSpace(note) != "" {
			prompt.WriteString(note)
			prompt.WriteString("\n\n")
		}
	}

	if len(srcs) > 0 {
		prompt.WriteString("--- Sources ---\n")
		prompt.WriteString(sources.FormatContext(srcs, contextTokens))
		prompt.WriteString("\n\n")
	} else {
		prompt.WriteString("No sources were found. Answer from general legal knowledge and say that no sources were consulted.\n\n")
	}

	prompt.WriteString("--- Task ---\n")
	prompt.WriteString(string(t))
	return prompt.String()
}

// planPrompt asks for sub-queries
func planPrompt(query string, maxQueries int) string {
	return fmt.Sprintf("User Query: %s\n\n--- Task ---\n%s", query, fmt.Sprintf(string(taskPlan), maxQueries))
}

var (
	listMarker  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	citationRef = regexp.MustCompile(`\[(\d+)\]`)
)

// parseSubQueries reads one query per line, dropping list markers and duplicates
func parseSubQueries(text string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		q = strings.Trim(q, `"`)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) == max {
			break
		}
	}
	return out
}

// citedSources returns the sources referenced as [n] in answer, in source order
func citedSources(answer string, srcs []sources.Source) []sources.Source {
	cited := make(map[int]bool)
	for _, m := range citationRef.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(srcs) {
			cited[n-1] = true
		}
	}
	idx := make([]int, 0, len(cited))
	for i := range cited {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]sources.Source, 0, len(idx))
	for _, i := range idx {
		out = append(out, srcs[i])
	}
	return out
}

// trimHistory drops the oldest turns until the history fits maxTokens
func trimHistory(history []cerebras.Message, maxTokens int) []cerebras.Message {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += tokens.Estimate(history[i].Content)
		if total > maxTokens {
			break
		}
		start = i
	}
	return history[start:]
}
