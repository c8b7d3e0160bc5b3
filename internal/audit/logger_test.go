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

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const testQueryString = "Compare holdings from different courts on fair use doctrine"

func newTestLogger(t *testing.T, storageType string) *Logger {
	t.Helper()
	tempDir := t.TempDir()

	config := Config{
		StorageType: storageType,
		FilePath:    filepath.Join(tempDir, "audit", "decisions.jsonl"),
		DBPath:      filepath.Join(tempDir, "audit", "decisions.db"),
	}
	logger, err := NewLogger(config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func sampleDecisions() []Decision {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []Decision{
		{ChatID: "c1", Query: "What is a contract?", Complexity: "simple", Agent: "chat", Rule: "fallback", CreatedAt: base},
		{ChatID: "c1", Query: testQueryString, Complexity: "workflow-caselaw", Agent: "workflow-caselaw", Rule: "case-law", EstimatedTokens: 20015, UsedTokens: 4200, Sources: 6, LatencyMS: 21000, CreatedAt: base.Add(time.Minute)},
		{ChatID: "c2", Query: "Find recent news on bail", Complexity: "light", Agent: "search", Rule: "general-research", Error: "tavily search: status 432", CreatedAt: base.Add(2 * time.Minute)},
	}
}

func TestNewLogger_StorageTypes(t *testing.T) {
	for _, storageType := range []string{StorageTypeFile, StorageTypeSQLite} {
		t.Run(storageType, func(t *testing.T) {
			logger := newTestLogger(t, storageType)
			if err := logger.Ping(context.Background()); err != nil {
				t.Errorf("Ping failed: %v", err)
			}
		})
	}

	if _, err := NewLogger(Config{StorageType: "postgres"}, nil); err == nil {
		t.Error("Expected error for unsupported storage type")
	}
}

func TestLogger_RecordAndRecent(t *testing.T) {
	for _, storageType := range []string{StorageTypeFile, StorageTypeSQLite} {
		t.Run(storageType, func(t *testing.T) {
			logger := newTestLogger(t, storageType)
			ctx := context.Background()

			for _, d := range sampleDecisions() {
				if err := logger.Record(ctx, d); err != nil {
					t.Fatalf("Record failed: %v", err)
				}
			}

			recent, err := logger.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("Recent failed: %v", err)
			}
			if len(recent) != 2 {
				t.Fatalf("Expected 2 decisions, got %d", len(recent))
			}
			if recent[0].Agent != "search" || recent[1].Agent != "workflow-caselaw" {
				t.Errorf("Expected newest first, got %s then %s", recent[0].Agent, recent[1].Agent)
			}
			if recent[0].ID == "" {
				t.Error("Expected an ID to be assigned")
			}
			if recent[0].Error != "tavily search: status 432" {
				t.Errorf("Unexpected error text %q", recent[0].Error)
			}

			caselaw := recent[1]
			if caselaw.Query != testQueryString || caselaw.Rule != "case-law" || caselaw.ChatID != "c1" {
				t.Errorf("Decision fields not preserved: %+v", caselaw)
			}
			if caselaw.EstimatedTokens != 20015 || caselaw.UsedTokens != 4200 || caselaw.Sources != 6 || caselaw.LatencyMS != 21000 {
				t.Errorf("Decision counters not preserved: %+v", caselaw)
			}
			if !caselaw.CreatedAt.Equal(time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)) {
				t.Errorf("Unexpected timestamp %v", caselaw.CreatedAt)
			}
		})
	}
}

func TestLogger_Summarize(t *testing.T) {
	for _, storageType := range []string{StorageTypeFile, StorageTypeSQLite} {
		t.Run(storageType, func(t *testing.T) {
			logger := newTestLogger(t, storageType)
			ctx := context.Background()

			for _, d := range sampleDecisions() {
				if err := logger.Record(ctx, d); err != nil {
					t.Fatalf("Record failed: %v", err)
				}
			}

			summary, err := logger.Summarize(ctx)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			if summary.Total != 3 {
				t.Errorf("Expected 3 decisions, got %d", summary.Total)
			}
			if summary.Errors != 1 {
				t.Errorf("Expected 1 failed decision, got %d", summary.Errors)
			}
			if summary.ByComplexity["workflow-caselaw"] != 1 || summary.ByAgent["chat"] != 1 {
				t.Errorf("Unexpected breakdown: %+v", summary)
			}
		})
	}
}

func TestLogger_TruncatesLongQueries(t *testing.T) {
	logger := newTestLogger(t, StorageTypeFile)
	ctx := context.Background()

	long := strings.Repeat("é", defaultMaxQueryChars+50)
	if err := logger.Record(ctx, Decision{Query: long, Complexity: "simple", Agent: "chat"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	recent, err := logger.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if got := len([]rune(recent[0].Query)); got != defaultMaxQueryChars {
		t.Errorf("Expected query truncated to %d runes, got %d", defaultMaxQueryChars, got)
	}
}

func TestLogger_FileSkipsMalformedLines(t *testing.T) {
	logger := newTestLogger(t, StorageTypeFile)
	ctx := context.Background()

	if err := logger.Record(ctx, Decision{Query: "q1", Complexity: "simple", Agent: "chat"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	f, err := os.OpenFile(logger.config.FilePath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	reopened, err := NewLogger(logger.config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to reopen audit logger: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	recent, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Query != "q1" {
		t.Errorf("Expected malformed line to be skipped, got %+v", recent)
	}
}

func TestLogger_FileReloadsOnStartup(t *testing.T) {
	logger := newTestLogger(t, StorageTypeFile)
	ctx := context.Background()

	for _, d := range sampleDecisions() {
		if err := logger.Record(ctx, d); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	reopened, err := NewLogger(logger.config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to reopen audit logger: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	summary, err := reopened.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.Total != 3 || summary.Errors != 1 {
		t.Errorf("Expected totals to survive a restart, got %+v", summary)
	}

	recent, err := reopened.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Agent != "search" {
		t.Errorf("Expected newest decision after restart, got %+v", recent)
	}
}

func TestLogger_RecentWindow(t *testing.T) {
	for _, storageType := range []string{StorageTypeFile, StorageTypeSQLite} {
		t.Run(storageType, func(t *testing.T) {
			tempDir := t.TempDir()
			logger, err := NewLogger(Config{
				StorageType:  storageType,
				FilePath:     filepath.Join(tempDir, "decisions.jsonl"),
				DBPath:       filepath.Join(tempDir, "decisions.db"),
				RecentWindow: 2,
			}, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("Failed to create audit logger: %v", err)
			}
			t.Cleanup(func() { _ = logger.Close() })
			ctx := context.Background()

			for _, d := range sampleDecisions() {
				if err := logger.Record(ctx, d); err != nil {
					t.Fatalf("Record failed: %v", err)
				}
			}

			recent, err := logger.Recent(ctx, 10)
			if err != nil {
				t.Fatalf("Recent failed: %v", err)
			}
			if len(recent) != 2 {
				t.Fatalf("Expected the window to cap results at 2, got %d", len(recent))
			}
			if recent[0].Agent != "search" || recent[1].Agent != "workflow-caselaw" {
				t.Errorf("Expected the newest two, got %s then %s", recent[0].Agent, recent[1].Agent)
			}

			summary, err := logger.Summarize(ctx)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			if summary.Total != 3 {
				t.Errorf("Expected totals to count every decision, got %d", summary.Total)
			}
		})
	}
}

func TestLogger_ConcurrentRecord(t *testing.T) {
	for _, storageType := range []string{StorageTypeFile, StorageTypeSQLite} {
		t.Run(storageType, func(t *testing.T) {
			logger := newTestLogger(t, storageType)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d := Decision{Query: fmt.Sprintf("query %d", i), Complexity: "simple", Agent: "chat"}
					if err := logger.Record(ctx, d); err != nil {
						t.Errorf("Record failed: %v", err)
					}
				}(i)
			}
			wg.Wait()

			summary, err := logger.Summarize(ctx)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			if summary.Total != 10 {
				t.Errorf("Expected 10 decisions, got %d", summary.Total)
			}
		})
	}
}
