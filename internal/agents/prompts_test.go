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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/sources"
)

func TestBuildPrompt(t *testing.T) {
	srcs := []sources.Source{
		sources.New("Labour Act", "https://zimlii.org/act", "Section 12 text", 1),
	}

	prompt := buildPrompt("What is section 12?", taskAnswer, srcs, []string{"", "A note."}, 1000)

	assert.True(t, strings.HasPrefix(prompt, "User Query: What is section 12?\n\n"))
	assert.Contains(t, prompt, "A note.\n\n")
	assert.Contains(t, prompt, "--- Sources ---\n[1] Labour Act (primary authority)")
	assert.True(t, strings.HasSuffix(prompt, string(taskAnswer)))
}

func TestBuildPrompt_NoSources(t *testing.T) {
	prompt := buildPrompt("q", taskResearch, nil, nil, 1000)
	assert.Contains(t, prompt, "No sources were found")
	assert.NotContains(t, prompt, "--- Sources ---")
}

func TestParseSubQueries(t *testing.T) {
	text := "1. bail pending appeal\n2) bail conditions\n\n- Bail Conditions\n* \"appeal to the Supreme Court\"\n• fifth\nsixth"

	assert.Equal(t, []string{
		"bail pending appeal", "bail conditions", "appeal to the Supreme Court", "fifth",
	}, parseSubQueries(text, 4))
	assert.Empty(t, parseSubQueries("\n \n", 4))
}

func TestCitedSources(t *testing.T) {
	srcs := []sources.Source{{Title: "a"}, {Title: "b"}, {Title: "c"}}

	cited := citedSources("See [3] and [1], again [3]. Ignore [0], [9] and [x].", srcs)
	assert.Equal(t, []sources.Source{{Title: "a"}, {Title: "c"}}, cited)
	assert.Empty(t, citedSources("no citations", srcs))
}

func TestTrimHistory(t *testing.T) {
	history := []cerebras.Message{
		{Role: cerebras.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: cerebras.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: cerebras.RoleUser, Content: strings.Repeat("c", 40)},
	}

	assert.Len(t, trimHistory(history, 1000), 3)
	assert.Equal(t, history[1:], trimHistory(history, 50))
	assert.Empty(t, trimHistory(history, 5))
	assert.Empty(t, trimHistory(nil, 100))
}

func TestAnswerTokens(t *testing.T) {
	assert.Equal(t, 1024, answerTokens(complexity.Analysis{Complexity: complexity.Simple}))
	assert.Equal(t, 8000, answerTokens(complexity.Analysis{Complexity: complexity.Comprehensive}))
	assert.Equal(t, 16000, contextTokens(complexity.Analysis{Complexity: complexity.Comprehensive}))
}
