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

// Package metrics exposes routing, agent, key and HTTP metrics
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/legal-research-assistant/internal/resilience"
)

// Recorder is implemented by Prom and Noop. KeyFailed and
// KeyForceReactivated make it usable as a key balancer observer.
type Recorder interface {
	IncRoute(complexity, agent string)
	ObserveAgentRun(agent, status string, duration time.Duration)
	KeyFailed(vendor string, kind resilience.Kind)
	KeyForceReactivated(vendor string)
	IncRetry(vendor string, kind resilience.Kind)
	ObserveRequest(method, route string, status int, duration time.Duration)
}

// Noop implements Recorder without emitting anything
type Noop struct{}

func (Noop) IncRoute(string, string)                           {}
func (Noop) ObserveAgentRun(string, string, time.Duration)     {}
func (Noop) KeyFailed(string, resilience.Kind)                 {}
func (Noop) KeyForceReactivated(string)                        {}
func (Noop) IncRetry(string, resilience.Kind)                  {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}

// Prom implements Recorder backed by Prometheus collectors
type Prom struct {
	routes          *prometheus.CounterVec
	agentRuns       *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	keyFailures     *prometheus.CounterVec
	keyReactivated  *prometheus.CounterVec
	retries         *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// agentBuckets span a one-second chat answer to a multi-minute report
var agentBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 180}

// NewProm creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routed queries by complexity tier and agent",
		}, []string{"complexity", "agent"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent runs by agent and status",
		}, []string{"agent", "status"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run latency by agent",
			Buckets:   agentBuckets,
		}, []string{"agent"}),
		keyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_key_failures_total",
			Help:      "API keys disabled by vendor and failure kind",
		}, []string{"vendor", "kind"}),
		keyReactivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_key_forced_reactivations_total",
			Help:      "Keys re-enabled early because every key was disabled",
		}, []string{"vendor"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_retries_total",
			Help:      "Vendor call retries by vendor and failure kind",
		}, []string{"vendor", "kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, c := range []prometheus.Collector{
		p.routes, p.agentRuns, p.agentDuration, p.keyFailures,
		p.keyReactivated, p.retries, p.requests, p.requestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return p, nil
}

func (p *Prom) IncRoute(complexity, agent string) {
	p.routes.WithLabelValues(complexity, agent).Inc()
}

func (p *Prom) ObserveAgentRun(agent, status string, duration time.Duration) {
	p.agentRuns.WithLabelValues(agent, status).Inc()
	p.agentDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func (p *Prom) KeyFailed(vendor string, kind resilience.Kind) {
	p.keyFailures.WithLabelValues(vendor, string(kind)).Inc()
}

func (p *Prom) KeyForceReactivated(vendor string) {
	p.keyReactivated.WithLabelValues(vendor).Inc()
}

func (p *Prom) IncRetry(vendor string, kind resilience.Kind) {
	p.retries.WithLabelValues(vendor, string(kind)).Inc()
}

func (p *Prom) ObserveRequest(method, route string, status int, duration time.Duration) {
	p.requests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	p.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RetryHook returns a retry callback that counts retries for vendor
func RetryHook(r Recorder, vendor string) func(attempt int, err error, delay time.Duration) {
	return func(_ int, err error, _ time.Duration) {
		r.IncRetry(vendor, resilience.Classify(err))
	}
}

// Handler returns an HTTP handler for /metrics. A nil gatherer serves the
// default registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
