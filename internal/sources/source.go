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

package sources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/your-org/legal-research-assistant/internal/tokens"
)

// Source is a single search or extraction result
type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Tier    Tier    `json:"tier"`
}

// New builds a Source with its tier derived from the URL
func New(title, rawURL, content string, score float64) Source {
	return Source{
		Title:   title,
		URL:     rawURL,
		Content: content,
		Score:   score,
		Tier:    ClassifyURL(rawURL),
	}
}

// WithContent returns a copy of s carrying content
func (s Source) WithContent(content string) Source {
	s.Content = content
	return s
}

// Rank returns a new slice ordered by tier (most authoritative first) then by
// score descending. Duplicate URLs keep the higher-ranked entry.
func Rank(in []Source) []Source {
	out := Dedupe(in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Dedupe drops sources whose normalized URL was already seen. For duplicates the
// entry with the higher score is kept at the position of the first occurrence.
func Dedupe(in []Source) []Source {
	out := make([]Source, 0, len(in))
	index := make(map[string]int, len(in))

	for _, s := range in {
		key := normalizeURL(s.URL)
		if key == "" {
			out = append(out, s)
			continue
		}
		if i, seen := index[key]; seen {
			if s.Score > out[i].Score {
				out[i] = s
			}
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	return out
}

// Top returns at most n sources
func Top(in []Source, n int) []Source {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[:n]
}

// URLs returns the URLs of the sources, skipping empty ones
func URLs(in []Source) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s.URL != "" {
			out = append(out, s.URL)
		}
	}
	return out
}

// FormatContext renders sources as numbered context blocks for a prompt,
// spending at most maxTokens in total.
func FormatContext(in []Source, maxTokens int) string {
	if len(in) == 0 {
		return ""
	}

	perSource := maxTokens / len(in)
	if perSource <= 0 {
		perSource = 1
	}

	var b strings.Builder
	for i, s := range in {
		fmt.Fprintf(&b, "[%d] %s (%s authority)\nURL: %s\n%s\n\n",
			i+1, s.Title, s.Tier, s.URL, tokens.Truncate(s.Content, perSource))
	}
	return strings.TrimSpace(b.String())
}

func normalizeURL(rawURL string) string {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexAny(u, "#?"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/")
}
