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

// Package keybalancer rotates among several API credentials for one vendor,
// disabling keys that fail for a cooldown that depends on the failure kind.
//
// Each key is either ACTIVE or DISABLED until a timestamp. Selection is
// round-robin over ACTIVE keys. When every key is disabled the key whose
// cooldown ends first is re-enabled immediately instead of failing the request.
package keybalancer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/resilience"
)

const (
	// storeTimeout bounds counter writes made outside a request context
	storeTimeout = 2 * time.Second
	// maxLastErrorLength keeps stored error text short
	maxLastErrorLength = 200
)

// ErrNoKeys is returned when a balancer has no credentials configured
var ErrNoKeys = errors.New("no API keys configured")

// KeyRecord is the per-key state owned by a Balancer
type KeyRecord struct {
	Key           string
	RequestCount  int
	ErrorCount    int
	DisabledUntil time.Time
	LastError     string
}

// disabledAt reports whether the key is still cooling down at now
func (r *KeyRecord) disabledAt(now time.Time) bool {
	return !r.DisabledUntil.IsZero() && now.Before(r.DisabledUntil)
}

// KeyStatus is a read-only snapshot of a key safe to expose over the API
type KeyStatus struct {
	Key           string     `json:"key"`
	Fingerprint   string     `json:"fingerprint"`
	Active        bool       `json:"active"`
	RequestCount  int        `json:"request_count"`
	ErrorCount    int        `json:"error_count"`
	DisabledUntil *time.Time `json:"disabled_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Observer receives balancer events, typically backed by metrics
type Observer interface {
	KeyFailed(vendor string, kind resilience.Kind)
	KeyForceReactivated(vendor string)
}

type nopObserver struct{}

func (nopObserver) KeyFailed(string, resilience.Kind) {}
func (nopObserver) KeyForceReactivated(string)        {}

// Options holds optional collaborators for a Balancer
type Options struct {
	Logger   *zap.Logger
	Store    CounterStore
	Observer Observer
	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

// Balancer selects API keys for a single vendor. It is safe for concurrent use.
type Balancer struct {
	policy   Policy
	logger   *zap.Logger
	store    CounterStore
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	records []*KeyRecord
	next    int
}

// New creates a balancer over keys. Blank and duplicate keys are dropped;
// ErrNoKeys is returned when nothing remains.
func New(policy Policy, keys []string, opts Options) (*Balancer, error) {
	b := &Balancer{
		policy:   policy,
		logger:   opts.Logger,
		store:    opts.Store,
		observer: opts.Observer,
		now:      opts.Clock,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.store == nil {
		b.store = NopStore{}
	}
	if b.observer == nil {
		b.observer = nopObserver{}
	}
	if b.now == nil {
		b.now = time.Now
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		b.records = append(b.records, &KeyRecord{Key: k})
	}
	if len(b.records) == 0 {
		return nil, ErrNoKeys
	}

	b.logger.Info("API key balancer created",
		zap.String("vendor", policy.Vendor),
		zap.Int("keys", len(b.records)))

	return b, nil
}

// Vendor returns the vendor name from the balancer's policy
func (b *Balancer) Vendor() string {
	return b.policy.Vendor
}

// Len returns the number of configured keys
func (b *Balancer) Len() int {
	return len(b.records)
}

// GetKey returns the next ACTIVE key in round-robin order and charges cost
// requests to it. If every key is disabled, the key with the earliest
// DisabledUntil is re-enabled and returned.
func (b *Balancer) GetKey(ctx context.Context, cost int) (string, error) {
	if cost <= 0 {
		cost = 1
	}

	b.mu.Lock()
	now := b.now()
	record, forced := b.selectLocked(now)
	if record == nil {
		b.mu.Unlock()
		return "", ErrNoKeys
	}
	record.RequestCount += cost
	key := record.Key
	b.mu.Unlock()

	if forced {
		b.observer.KeyForceReactivated(b.policy.Vendor)
		b.logger.Warn("All API keys disabled, force-reactivated earliest expiring key",
			zap.String("vendor", b.policy.Vendor),
			zap.String("key", Mask(key)))
	}

	if err := b.store.IncrRequests(ctx, b.policy.Vendor, Fingerprint(key), cost); err != nil {
		b.logger.Debug("Failed to record key usage", zap.String("vendor", b.policy.Vendor), zap.Error(err))
	}

	return key, nil
}

// selectLocked picks the next key; the caller holds b.mu
func (b *Balancer) selectLocked(now time.Time) (*KeyRecord, bool) {
	n := len(b.records)
	if n == 0 {
		return nil, false
	}

	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		r := b.records[idx]
		if r.disabledAt(now) {
			continue
		}
		// Cooldown expired: DISABLED -> ACTIVE
		r.DisabledUntil = time.Time{}
		b.next = (idx + 1) % n
		return r, false
	}

	earliest := 0
	for i, r := range b.records {
		if r.DisabledUntil.Before(b.records[earliest].DisabledUntil) {
			earliest = i
		}
	}
	r := b.records[earliest]
	r.DisabledUntil = time.Time{}
	b.next = (earliest + 1) % n
	return r, true
}

// MarkFailed records a failure for key and disables it for cooldown. An
// existing longer cooldown is kept. Unknown keys are ignored.
func (b *Balancer) MarkFailed(key, reason string, cooldown time.Duration) {
	b.mu.Lock()
	record := b.findLocked(key)
	if record == nil {
		b.mu.Unlock()
		b.logger.Debug("MarkFailed called for unknown key", zap.String("vendor", b.policy.Vendor))
		return
	}

	record.ErrorCount++
	record.LastError = truncate(reason, maxLastErrorLength)
	if cooldown > 0 {
		until := b.now().Add(cooldown)
		if until.After(record.DisabledUntil) {
			record.DisabledUntil = until
		}
	}
	disabledUntil := record.DisabledUntil
	b.mu.Unlock()

	b.logger.Warn("API key marked failed",
		zap.String("vendor", b.policy.Vendor),
		zap.String("key", Mask(key)),
		zap.String("reason", reason),
		zap.Duration("cooldown", cooldown),
		zap.Time("disabled_until", disabledUntil))

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.IncrErrors(ctx, b.policy.Vendor, Fingerprint(key)); err != nil {
		b.logger.Debug("Failed to record key error", zap.String("vendor", b.policy.Vendor), zap.Error(err))
	}
}

// ReportFailure classifies err and applies the policy cooldown for its kind.
// Validation and cancellation failures are not charged to the key.
func (b *Balancer) ReportFailure(key string, err error) resilience.Kind {
	kind := resilience.Classify(err)
	cooldown := b.policy.Cooldown(kind, b.now())
	if cooldown <= 0 {
		return kind
	}

	b.observer.KeyFailed(b.policy.Vendor, kind)
	b.MarkFailed(key, string(kind)+": "+err.Error(), cooldown)
	return kind
}

// MarkSuccess clears the last error recorded for key
func (b *Balancer) MarkSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if record := b.findLocked(key); record != nil {
		record.LastError = ""
	}
}

// Available returns the number of keys ACTIVE right now
func (b *Balancer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	count := 0
	for _, r := range b.records {
		if !r.disabledAt(now) {
			count++
		}
	}
	return count
}

// Stats returns a snapshot of every key with the credential masked
func (b *Balancer) Stats() []KeyStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]KeyStatus, 0, len(b.records))
	for _, r := range b.records {
		status := KeyStatus{
			Key:          Mask(r.Key),
			Fingerprint:  Fingerprint(r.Key),
			Active:       !r.disabledAt(now),
			RequestCount: r.RequestCount,
			ErrorCount:   r.ErrorCount,
			LastError:    r.LastError,
		}
		if r.disabledAt(now) {
			until := r.DisabledUntil
			status.DisabledUntil = &until
		}
		out = append(out, status)
	}
	return out
}

// Totals returns the shared counters for this vendor from the counter store
func (b *Balancer) Totals(ctx context.Context) (map[string]Counters, error) {
	return b.store.Totals(ctx, b.policy.Vendor)
}

func (b *Balancer) findLocked(key string) *KeyRecord {
	for _, r := range b.records {
		if r.Key == key {
			return r
		}
	}
	return nil
}

// Fingerprint returns a short stable identifier for a key that does not reveal it
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

// Mask shows the first and last four characters of a key
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
