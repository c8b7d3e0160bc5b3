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

// Package legaldocs searches the curated legal-document table in Postgres.
//
// The store expects a table
//
//	legal_documents(id text, title text, citation text, court text, url text,
//	                year int, content text, search_vector tsvector)
//
// with search_vector maintained from title and content.
package legaldocs

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/sources"
)

const (
	defaultLimit = 5
	maxLimit     = 25
)

// Queryer is the subset of pgxpool.Pool used for searches
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Document is one ranked search hit
type Document struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Citation string  `json:"citation,omitempty"`
	Court    string  `json:"court,omitempty"`
	URL      string  `json:"url,omitempty"`
	Year     int     `json:"year,omitempty"`
	Snippet  string  `json:"snippet"`
	Rank     float64 `json:"rank"`
}

// Source converts the document into a primary-authority research source
func (d Document) Source() sources.Source {
	title := d.Title
	if d.Citation != "" {
		title = fmt.Sprintf("%s %s", d.Title, d.Citation)
	}
	url := d.URL
	if url == "" {
		url = "legaldocs://" + d.ID
	}
	s := sources.New(title, url, d.Snippet, d.Rank)
	s.Tier = sources.TierPrimary
	return s
}

// Store runs full-text searches over legal_documents
type Store struct {
	q      Queryer
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects a pgx pool to dsn
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := New(pool, logger)
	store.pool = pool
	return store, nil
}

// New creates a store over any Queryer
func New(q Queryer, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{q: q, logger: logger}
}

const searchSQL = `
SELECT d.id,
       d.title,
       COALESCE(d.citation, '') AS citation,
       COALESCE(d.court, '') AS court,
       COALESCE(d.url, '') AS url,
       COALESCE(d.year, 0) AS year,
       ts_headline('english', d.content, q, 'MaxWords=60, MinWords=20') AS snippet,
       ts_rank_cd(d.search_vector, q) AS rank
FROM legal_documents d, websearch_to_tsquery('english', $1) q
WHERE d.search_vector @@ q
ORDER BY rank DESC
LIMIT $2`

// SearchDocuments returns documents matching query, best first
func (s *Store) SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.q.Query(ctx, searchSQL, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query legal documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, limit)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Citation, &d.Court, &d.URL, &d.Year, &d.Snippet, &d.Rank); err != nil {
			return nil, fmt.Errorf("scan legal document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legal documents: %w", err)
	}

	s.logger.Debug("Legal document search completed",
		zap.String("query", query),
		zap.Int("results", len(docs)))

	return docs, nil
}

// Search returns matching documents as research sources
func (s *Store) Search(ctx context.Context, query string, limit int) ([]sources.Source, error) {
	docs, err := s.SearchDocuments(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]sources.Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Source())
	}
	return out, nil
}

// Ping checks the database connection when the store owns a pool
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
