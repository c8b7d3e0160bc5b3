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

// Package audit records routing decisions. It supports both JSON-lines
// file and SQLite storage.
//
// File storage reads the log once at startup and then answers queries from
// memory: running totals plus the newest RecentWindow decisions. The file is
// append-only and never rotated, so long-running deployments should use
// SQLite.
package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	StorageTypeFile   = "file"
	StorageTypeSQLite = "sqlite"

	defaultMaxQueryChars = 1000
	defaultRecentLimit   = 50
	defaultRecentWindow  = 500
)

// Decision is one routed request
type Decision struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id,omitempty"`
	Query           string    `json:"query"`
	Complexity      string    `json:"complexity"`
	Agent           string    `json:"agent"`
	Rule            string    `json:"rule"`
	Override        string    `json:"override,omitempty"`
	EstimatedTokens int       `json:"estimated_tokens"`
	UsedTokens      int       `json:"used_tokens"`
	Sources         int       `json:"sources"`
	LatencyMS       int64     `json:"latency_ms"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summary aggregates recorded decisions
type Summary struct {
	Total        int            `json:"total"`
	Errors       int            `json:"errors"`
	ByComplexity map[string]int `json:"by_complexity"`
	ByAgent      map[string]int `json:"by_agent"`
}

// Config holds configuration for decision logging
type Config struct {
	StorageType   string `mapstructure:"storage_type"` // StorageTypeFile or StorageTypeSQLite
	FilePath      string `mapstructure:"file_path"`
	DBPath        string `mapstructure:"db_path"`
	MaxQueryChars int    `mapstructure:"max_query_chars"`
	// RecentWindow caps how many decisions Recent returns
	RecentWindow int `mapstructure:"recent_window"`
}

// Logger writes decisions to the configured backend
type Logger struct {
	config Config
	logger *zap.Logger
	db     *sql.DB
	mu     sync.RWMutex

	// file storage only
	recent  []Decision
	summary *Summary
}

// NewLogger creates a decision logger
func NewLogger(config Config, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxQueryChars <= 0 {
		config.MaxQueryChars = defaultMaxQueryChars
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = defaultRecentWindow
	}
	l := &Logger{
		config: config,
		logger: logger,
	}

	switch config.StorageType {
	case StorageTypeFile:
		if err := l.initFileStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
	case StorageTypeSQLite:
		if err := l.initSQLiteStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.StorageType)
	}

	return l, nil
}

func (l *Logger) initFileStorage() error {
	if err := os.MkdirAll(filepath.Dir(l.config.FilePath), 0750); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(l.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create audit file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close audit file: %w", err)
	}

	l.summary = newSummary()
	return l.loadFile()
}

// loadFile replays the JSON-lines file into the in-memory view;
// malformed lines are skipped
func (l *Logger) loadFile() error {
	file, err := os.Open(l.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var d Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			l.logger.Warn("Skipping malformed audit line", zap.Error(err))
			continue
		}
		l.remember(d)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit file: %w", err)
	}
	return nil
}

// remember adds d to the in-memory view. Callers hold mu.
func (l *Logger) remember(d Decision) {
	l.summary.add(d.Complexity, d.Agent, d.Error != "", 1)
	l.recent = append(l.recent, d)
	if extra := len(l.recent) - l.config.RecentWindow; extra > 0 {
		l.recent = append(l.recent[:0], l.recent[extra:]...)
	}
}

func (l *Logger) initSQLiteStorage() error {
	if err := os.MkdirAll(filepath.Dir(l.config.DBPath), 0750); err != nil {
		return fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", l.config.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// Single writer avoids SQLITE_BUSY under concurrent requests
	db.SetMaxOpenConns(1)

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			chat_id TEXT,
			query TEXT NOT NULL,
			complexity TEXT NOT NULL,
			agent TEXT NOT NULL,
			rule TEXT,
			override TEXT,
			estimated_tokens INTEGER NOT NULL DEFAULT 0,
			used_tokens INTEGER NOT NULL DEFAULT 0,
			sources INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_routing_decisions_created_at ON routing_decisions (created_at);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create routing_decisions table: %w", err)
	}

	l.db = db
	return nil
}

// Record stores a decision, filling in its ID and timestamp when unset
func (l *Logger) Record(ctx context.Context, d Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if runes := []rune(d.Query); len(runes) > l.config.MaxQueryChars {
		d.Query = string(runes[:l.config.MaxQueryChars])
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	switch l.config.StorageType {
	case StorageTypeFile:
		if err = l.recordToFile(d); err == nil {
			l.remember(d)
		}
	case StorageTypeSQLite:
		err = l.recordToSQLite(ctx, d)
	default:
		err = fmt.Errorf("unsupported storage type: %s", l.config.StorageType)
	}
	if err != nil {
		return err
	}

	l.logger.Debug("Routing decision recorded",
		zap.String("id", d.ID),
		zap.String("complexity", d.Complexity),
		zap.String("agent", d.Agent))
	return nil
}

func (l *Logger) recordToFile(d Decision) error {
	file, err := os.OpenFile(l.config.FilePath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = file.Close() }()

	jsonData, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write decision to file: %w", err)
	}
	return nil
}

func (l *Logger) recordToSQLite(ctx context.Context, d Decision) error {
	if l.db == nil {
		return errors.New("SQLite database not initialized")
	}

	insertSQL := `
		INSERT INTO routing_decisions (id, chat_id, query, complexity, agent, rule, override,
			estimated_tokens, used_tokens, sources, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, insertSQL,
		d.ID, d.ChatID, d.Query, d.Complexity, d.Agent, d.Rule, d.Override,
		d.EstimatedTokens, d.UsedTokens, d.Sources, d.LatencyMS, d.Error, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision into SQLite: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions, newest first. Limits above
// RecentWindow are capped.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > l.config.RecentWindow {
		limit = l.config.RecentWindow
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.config.StorageType == StorageTypeFile {
		out := make([]Decision, 0, min(limit, len(l.recent)))
		for i := len(l.recent) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, l.recent[i])
		}
		return out, nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, chat_id, query, complexity, agent, rule, override,
			estimated_tokens, used_tokens, sources, latency_ms, error, created_at
		FROM routing_decisions
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var chatID, rule, override, errText sql.NullString
		if err := rows.Scan(
			&d.ID, &chatID, &d.Query, &d.Complexity, &d.Agent, &rule, &override,
			&d.EstimatedTokens, &d.UsedTokens, &d.Sources, &d.LatencyMS, &errText, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		d.ChatID = chatID.String
		d.Rule = rule.String
		d.Override = override.String
		d.Error = errText.String
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision rows: %w", err)
	}
	return decisions, nil
}

// Summarize counts decisions by complexity and agent
func (l *Logger) Summarize(ctx context.Context) (*Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.config.StorageType == StorageTypeFile {
		return l.summary.clone(), nil
	}

	summary := newSummary()

	rows, err := l.db.QueryContext(ctx, `
		SELECT complexity, agent, COALESCE(error, '') != '' AS failed, COUNT(*) AS count
		FROM routing_decisions
		GROUP BY complexity, agent, failed
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var complexity, agent string
		var failed bool
		var count int
		if err := rows.Scan(&complexity, &agent, &failed, &count); err != nil {
			return nil, fmt.Errorf("failed to scan decision stats row: %w", err)
		}
		summary.add(complexity, agent, failed, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision stats rows: %w", err)
	}
	return summary, nil
}

func newSummary() *Summary {
	return &Summary{
		ByComplexity: make(map[string]int),
		ByAgent:      make(map[string]int),
	}
}

func (s *Summary) clone() *Summary {
	return &Summary{
		Total:        s.Total,
		Errors:       s.Errors,
		ByComplexity: maps.Clone(s.ByComplexity),
		ByAgent:      maps.Clone(s.ByAgent),
	}
}

func (s *Summary) add(complexity, agent string, failed bool, n int) {
	s.Total += n
	s.ByComplexity[complexity] += n
	s.ByAgent[agent] += n
	if failed {
		s.Errors += n
	}
}

// Ping checks that the backend is reachable
func (l *Logger) Ping(ctx context.Context) error {
	if l.config.StorageType == StorageTypeFile {
		_, err := os.Stat(l.config.FilePath)
		return err
	}
	return l.db.PingContext(ctx)
}

// Close closes the logger and any open resources
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
