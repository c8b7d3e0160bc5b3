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

package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of one circuit
type CircuitState int

const (
	// CircuitClosed lets calls through
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast until the reset timeout passes
	CircuitOpen
	// CircuitHalfOpen lets a single trial call through
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned without calling the function while a circuit is open
var ErrCircuitOpen = errors.New("circuit open: too many recent failures")

// BreakerConfig holds configuration for a set of circuits
type BreakerConfig struct {
	// MaxFailures consecutive failures open a circuit
	MaxFailures int
	// ResetTimeout is how long a circuit stays open before a trial call
	ResetTimeout time.Duration
	// IsFailure decides which errors count against a circuit
	IsFailure func(error) bool
	// Clock is injectable for tests
	Clock func() time.Time
}

// DefaultBreakerConfig opens a circuit after three consecutive failures for two minutes
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 2 * time.Minute,
		IsFailure:    IsUpstreamFailure,
	}
}

// IsUpstreamFailure counts only errors that are the remote side's fault.
// Bad input and cancellations leave a circuit alone.
func IsUpstreamFailure(err error) bool {
	switch Classify(err) {
	case KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// CircuitStats describes one circuit
type CircuitStats struct {
	Name     string       `json:"name"`
	State    CircuitState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
}

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// BreakerSet keeps an independent circuit per name, for example per host
type BreakerSet struct {
	config   BreakerConfig
	mu       sync.Mutex
	circuits map[string]*circuit
	logger   *zap.Logger
}

// NewBreakerSet creates a breaker set; zero config values take defaults
func NewBreakerSet(config BreakerConfig, logger *zap.Logger) *BreakerSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.IsFailure == nil {
		config.IsFailure = defaults.IsFailure
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &BreakerSet{
		config:   config,
		circuits: make(map[string]*circuit),
		logger:   logger,
	}
}

// Execute runs fn through the circuit for name
func (b *BreakerSet) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	if !b.allow(name) {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.record(name, err)
	return err
}

func (b *BreakerSet) allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[name]
	if c == nil {
		return true
	}
	switch c.state {
	case CircuitOpen:
		if b.config.Clock().Sub(c.openedAt) < b.config.ResetTimeout {
			return false
		}
		c.state = CircuitHalfOpen
		c.trial = true
		return true
	case CircuitHalfOpen:
		// One trial at a time
		if c.trial {
			return false
		}
		c.trial = true
		return true
	default:
		return true
	}
}

func (b *BreakerSet) record(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[name]
	if err == nil || !b.config.IsFailure(err) {
		if c == nil {
			return
		}
		if c.state != CircuitClosed {
			b.logger.Info("Circuit closed", zap.String("name", name))
		}
		delete(b.circuits, name)
		return
	}

	if c == nil {
		c = &circuit{}
		b.circuits[name] = c
	}
	c.failures++
	c.trial = false
	if c.state == CircuitHalfOpen || c.failures >= b.config.MaxFailures {
		if c.state != CircuitOpen {
			b.logger.Warn("Circuit opened",
				zap.String("name", name),
				zap.Int("failures", c.failures),
				zap.Duration("reset_timeout", b.config.ResetTimeout),
				zap.Error(err))
		}
		c.state = CircuitOpen
		c.openedAt = b.config.Clock()
	}
}

// State returns the current state of the circuit for name
func (b *BreakerSet) State(name string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[name]; c != nil {
		return c.state
	}
	return CircuitClosed
}

// Stats lists every circuit with recorded failures, sorted by name
func (b *BreakerSet) Stats() []CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitStats, 0, len(b.circuits))
	for name, c := range b.circuits {
		out = append(out, CircuitStats{Name: name, State: c.state, Failures: c.failures, OpenedAt: c.openedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
