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

package keybalancer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "legalchat:keys:"
	requestsField    = "requests"
	errorsField      = "errors"
)

// Counters are the shared usage totals for one key fingerprint
type Counters struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

// CounterStore persists per-key usage so several processes can report
// combined totals. Selection state never leaves the process.
type CounterStore interface {
	IncrRequests(ctx context.Context, vendor, fingerprint string, n int) error
	IncrErrors(ctx context.Context, vendor, fingerprint string) error
	Totals(ctx context.Context, vendor string) (map[string]Counters, error)
}

// NopStore discards counters
type NopStore struct{}

func (NopStore) IncrRequests(context.Context, string, string, int) error { return nil }
func (NopStore) IncrErrors(context.Context, string, string) error        { return nil }
func (NopStore) Totals(context.Context, string) (map[string]Counters, error) {
	return map[string]Counters{}, nil
}

// RedisStore keeps counters in one Redis hash per vendor with fields
// "<fingerprint>:requests" and "<fingerprint>:errors".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to a redis:// URL and verifies it with a ping
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisStore{client: client, prefix: defaultKeyPrefix}, nil
}

func (s *RedisStore) hashKey(vendor string) string {
	return s.prefix + vendor
}

// IncrRequests adds n to the request counter of a key
func (s *RedisStore) IncrRequests(ctx context.Context, vendor, fingerprint string, n int) error {
	return s.client.HIncrBy(ctx, s.hashKey(vendor), fingerprint+":"+requestsField, int64(n)).Err()
}

// IncrErrors adds one to the error counter of a key
func (s *RedisStore) IncrErrors(ctx context.Context, vendor, fingerprint string) error {
	return s.client.HIncrBy(ctx, s.hashKey(vendor), fingerprint+":"+errorsField, 1).Err()
}

// Totals returns counters for every key seen for vendor
func (s *RedisStore) Totals(ctx context.Context, vendor string) (map[string]Counters, error) {
	fields, err := s.client.HGetAll(ctx, s.hashKey(vendor)).Result()
	if err != nil {
		return nil, fmt.Errorf("read key counters: %w", err)
	}

	out := make(map[string]Counters)
	for field, raw := range fields {
		fingerprint, name, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		c := out[fingerprint]
		switch name {
		case requestsField:
			c.Requests = value
		case errorsField:
			c.Errors = value
		default:
			continue
		}
		out[fingerprint] = c
	}
	return out, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
