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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/agents"
	"github.com/your-org/legal-research-assistant/internal/audit"
	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/config"
	"github.com/your-org/legal-research-assistant/internal/extract"
	"github.com/your-org/legal-research-assistant/internal/health"
	"github.com/your-org/legal-research-assistant/internal/keybalancer"
	"github.com/your-org/legal-research-assistant/internal/legaldocs"
	"github.com/your-org/legal-research-assistant/internal/metrics"
	"github.com/your-org/legal-research-assistant/internal/router"
	"github.com/your-org/legal-research-assistant/internal/tavily"
)

// app holds the wired service
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	detector  *complexity.Detector
	router    *router.Router
	keys      []*keybalancer.Balancer
	audit     *audit.Logger
	health    *health.Manager
	recorder  metrics.Recorder
	metricsH  http.Handler
	closers   []func() error
	documents bool
}

// newApp builds every collaborator from cfg. Close releases them.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, recorder: metrics.Noop{}}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewProm(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, err
		}
		a.recorder = prom
		a.metricsH = metrics.Handler(reg)
	}

	a.health = health.NewManager("legalchat", version, cfg.Environment, logger)

	store, err := a.counterStore()
	if err != nil {
		return nil, err
	}

	cerebrasKeys, err := keybalancer.New(keybalancer.CerebrasPolicy(), cfg.Cerebras.APIKeys, keybalancer.Options{
		Logger: logger, Store: store, Observer: a.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("cerebras keys: %w", err)
	}
	tavilyKeys, err := keybalancer.New(keybalancer.TavilyPolicy(), cfg.Tavily.APIKeys, keybalancer.Options{
		Logger: logger, Store: store, Observer: a.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily keys: %w", err)
	}
	a.keys = []*keybalancer.Balancer{cerebrasKeys, tavilyKeys}
	for _, b := range a.keys {
		a.health.AddChecker(b.Vendor()+"_keys", health.KeyPoolChecker(b))
	}

	llm, err := cerebras.NewClient(cerebrasKeys, a.cerebrasConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("cerebras client: %w", err)
	}
	search, err := tavily.NewClient(tavilyKeys, a.tavilyConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("tavily client: %w", err)
	}

	fetcher := extract.NewFetcher(extract.Config{
		Timeout:      cfg.Extract.Timeout,
		MaxChars:     cfg.Extract.MaxChars,
		UserAgent:    cfg.Extract.UserAgent,
		HostFailures: cfg.Extract.HostFailures,
		HostCooldown: cfg.Extract.HostCooldown,
	}, logger)
	a.health.AddChecker("page_hosts", health.CircuitChecker(fetcher.Hosts))

	deps := agents.Deps{
		LLM:    llm,
		Search: search,
		Fetch:  fetcher,
		Logger: logger,
		Config: cfg.Agents,
	}
	if cfg.Database.URL != "" {
		docs, err := legaldocs.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { docs.Close(); return nil })
		a.health.AddChecker("postgres", health.PingChecker("postgres", false, docs.Ping))
		deps.Documents = docs
		a.documents = true
	}

	registry, err := agents.NewRegistry(deps)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	a.audit = auditLog
	a.closers = append(a.closers, a.audit.Close)
	a.health.AddChecker("audit", health.PingChecker("audit", true, a.audit.Ping))

	detector, err := complexity.NewDetector(cfg.RoutingRules())
	if err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}
	a.detector = detector
	a.router = router.New(a.detector, registry, router.Options{
		WorkflowsEnabled: cfg.Workflows.Enabled,
		Metrics:          a.recorder,
		Audit:            a.audit,
		Logger:           logger,
	})
	built = true
	return a, nil
}

// counterStore connects the shared key usage counters when Redis is configured
func (a *app) counterStore() (keybalancer.CounterStore, error) {
	if a.cfg.Redis.URL == "" {
		return keybalancer.NopStore{}, nil
	}
	store, err := keybalancer.NewRedisStore(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.health.AddChecker("redis", health.PingChecker("redis", false, store.Ping))
	return store, nil
}

func (a *app) cerebrasConfig() cerebras.Config {
	c := cerebras.DefaultConfig()
	c.BaseURL = a.cfg.Cerebras.BaseURL
	c.Model = a.cfg.Cerebras.Model
	if a.cfg.Cerebras.Timeout > 0 {
		c.Timeout = a.cfg.Cerebras.Timeout
	}
	c.Retry.MaxRetries = a.cfg.Cerebras.MaxRetries
	c.Retry.OnRetry = metrics.RetryHook(a.recorder, "cerebras")
	return c
}

func (a *app) tavilyConfig() tavily.Config {
	c := tavily.DefaultConfig()
	c.BaseURL = a.cfg.Tavily.BaseURL
	if a.cfg.Tavily.Timeout > 0 {
		c.Timeout = a.cfg.Tavily.Timeout
	}
	c.RequestsPerSecond = a.cfg.Tavily.RequestsPerSecond
	c.Burst = a.cfg.Tavily.Burst
	c.Retry.MaxRetries = a.cfg.Tavily.MaxRetries
	c.Retry.OnRetry = metrics.RetryHook(a.recorder, "tavily")
	return c
}

// reload applies a changed config file to the running service. Only the
// routing rules and the workflow toggle are hot; everything else needs a restart.
func (a *app) reload(cfg *config.Config) {
	if err := a.detector.SetRules(cfg.RoutingRules()); err != nil {
		a.logger.Error("Rejected routing rules from reloaded config", zap.Error(err))
	} else {
		a.logger.Info("Routing rules reloaded", zap.Int("rules", len(cfg.RoutingRules())))
	}
	if cfg.Workflows.Enabled != a.router.WorkflowsEnabled() {
		a.router.SetWorkflowsEnabled(cfg.Workflows.Enabled)
		a.logger.Info("Workflow toggle changed", zap.Bool("enabled", cfg.Workflows.Enabled))
	}
}

// Close releases connections in reverse order of creation
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
