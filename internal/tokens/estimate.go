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

// Package tokens provides cheap token-count approximations used for routing
// budgets and prompt sizing. No tokenizer is loaded; counts are derived from
// character length.
package tokens

import (
	"unicode/utf8"
)

// CharsPerToken is the average number of characters per token assumed by
// Estimate. English legal prose sits close to four.
const CharsPerToken = 4

// truncationMarker is appended to text shortened by Truncate
const truncationMarker = "\n[...truncated]"

// Estimate returns the approximate number of tokens in text.
// The result is non-decreasing in the rune length of text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll sums Estimate over all texts
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}

// Truncate shortens text so that its estimate does not exceed maxTokens.
// A marker is appended when text is cut and the budget has room for it.
// Non-positive limits return "".
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	budget := maxTokens * CharsPerToken
	if budget > len(runes) {
		budget = len(runes)
	}
	// The marker counts against the budget
	markerRunes := utf8.RuneCountInString(truncationMarker)
	if budget <= markerRunes {
		return string(runes[:budget])
	}
	return string(runes[:budget-markerRunes]) + truncationMarker
}
