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

// Package router classifies a query, selects the agent for its tier and runs it
package router

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/agents"
	"github.com/your-org/legal-research-assistant/internal/audit"
	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/metrics"
	"github.com/your-org/legal-research-assistant/internal/resilience"
	"github.com/your-org/legal-research-assistant/internal/streaming"
)

// ReasoningModel is the chat model selection that forces deep research
const ReasoningModel = "chat-model-reasoning"

// ComprehensiveModel is the chat model selection that forces a full report
const ComprehensiveModel = "chat-model-comprehensive"

// ErrEmptyQuery is returned for blank queries
var ErrEmptyQuery = fmt.Errorf("%w: query is empty", resilience.ErrValidation)

// AgentSource resolves an agent kind to a runnable agent
type AgentSource interface {
	Get(kind agents.Kind) (agents.Agent, error)
}

// DecisionLog stores routing decisions
type DecisionLog interface {
	Record(ctx context.Context, d audit.Decision) error
}

// Options configures a Router
type Options struct {
	WorkflowsEnabled bool
	Metrics          metrics.Recorder
	Audit            DecisionLog
	Logger           *zap.Logger
}

// Router turns a query into an answer
type Router struct {
	detector  *complexity.Detector
	agents    AgentSource
	workflows atomic.Bool
	metrics   metrics.Recorder
	audit     DecisionLog
	errors    *resilience.ErrorHandler
	logger    *zap.Logger
}

// New creates a router. A nil detector uses the built-in rules.
func New(detector *complexity.Detector, source AgentSource, opts Options) *Router {
	if detector == nil {
		detector = complexity.MustNewDetector(complexity.DefaultRules())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	r := &Router{
		detector: detector,
		agents:   source,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		errors:   resilience.NewErrorHandler(opts.Logger),
		logger:   opts.Logger,
	}
	r.workflows.Store(opts.WorkflowsEnabled)
	return r
}

// SetWorkflowsEnabled toggles the workflow agents at runtime
func (r *Router) SetWorkflowsEnabled(enabled bool) {
	r.workflows.Store(enabled)
}

// WorkflowsEnabled reports whether workflow tiers run their workflows
func (r *Router) WorkflowsEnabled() bool {
	return r.workflows.Load()
}

// Request is one chat turn
type Request struct {
	ChatID  string
	Query   string
	History []cerebras.Message
	// Model is the client's chat model selection; see ModeForModel
	Model string
	// Mode, when set, takes precedence over Model
	Mode   string
	Stream *streaming.EventStream
	// OnDelta receives the answer text as it is generated
	OnDelta func(string)
}

// Decision is the routing outcome for a query
type Decision struct {
	Analysis      complexity.Analysis `json:"analysis"`
	Agent         agents.Kind         `json:"agent"`
	ToolsRequired bool                `json:"tools_required"`
	Workflow      bool                `json:"workflow"`
}

// Response is an answered request
type Response struct {
	ID       string         `json:"id"`
	Decision Decision       `json:"decision"`
	Result   *agents.Result `json:"result"`
	Duration time.Duration  `json:"duration"`
}

// ModeForModel maps a chat model selection to a detection override
func ModeForModel(model string) complexity.Mode {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case ReasoningModel:
		return complexity.ModeDeep
	case ComprehensiveModel:
		return complexity.ModeComprehensive
	default:
		return complexity.ModeAuto
	}
}

// ResolveMode returns the override for a request. An explicit mode wins over
// the chat model selection.
func ResolveMode(mode, model string) (complexity.Mode, error) {
	if strings.TrimSpace(mode) == "" {
		return ModeForModel(model), nil
	}
	parsed, err := complexity.ParseMode(mode)
	if err != nil {
		return complexity.ModeAuto, fmt.Errorf("%w: %v", resilience.ErrValidation, err)
	}
	return parsed, nil
}

// Classify returns the routing decision for query without running an agent
func (r *Router) Classify(query string, mode complexity.Mode) (Decision, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Decision{}, resilience.NewBadRequestError("Please enter a question.", ErrEmptyQuery)
	}
	analysis := r.detector.Detect(query, mode)
	kind := agents.Select(analysis.Complexity, r.WorkflowsEnabled())
	return Decision{
		Analysis:      analysis,
		Agent:         kind,
		ToolsRequired: analysis.Complexity.RequiresTools(),
		Workflow:      kind.IsWorkflow(),
	}, nil
}

// Route classifies the request, runs the selected agent and records the
// decision. Errors are returned as *resilience.ServiceError.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	id := uuid.NewString()
	start := time.Now()
	stream := req.Stream

	mode, err := ResolveMode(req.Mode, req.Model)
	if err != nil {
		return nil, resilience.NewBadRequestError("Unknown research mode.", err)
	}

	stream.EmitProgress(streaming.StageQueryAnalysis, "Analyzing query", 2, nil)
	decision, err := r.Classify(req.Query, mode)
	if err != nil {
		return nil, err
	}
	analysis := decision.Analysis
	r.metrics.IncRoute(string(analysis.Complexity), string(decision.Agent))

	logger := r.logger.With(
		zap.String("request_id", id),
		zap.String("chat_id", req.ChatID),
		zap.String("complexity", string(analysis.Complexity)),
		zap.String("agent", string(decision.Agent)))
	logger.Info("Routing query",
		zap.String("rule", analysis.Rule),
		zap.String("override", string(analysis.Override)),
		zap.Int("estimated_tokens", analysis.EstimatedTokens))

	stream.EmitProgress(streaming.StageAgentSelection, fmt.Sprintf("Selected %s agent", decision.Agent), 5, map[string]interface{}{
		"complexity":        analysis.Complexity,
		"agent":             decision.Agent,
		"reasoning":         analysis.Reasoning,
		"estimated_steps":   analysis.EstimatedSteps,
		"estimated_latency": analysis.EstimatedLatency,
	})

	result, err := r.run(ctx, decision.Agent, req, analysis)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = string(resilience.Classify(err))
	}
	r.metrics.ObserveAgentRun(string(decision.Agent), status, duration)
	r.record(ctx, id, req, decision, result, duration, err)

	if err != nil {
		serviceErr := r.errors.WrapError(err, fmt.Sprintf("route %s", decision.Agent))
		stream.EmitError(streaming.StageComplete, serviceErr.Message, err, map[string]interface{}{
			"request_id": id,
			"code":       serviceErr.Code,
		})
		return nil, serviceErr
	}

	logger.Info("Query answered",
		zap.Duration("duration", duration),
		zap.Int("sources", len(result.Sources)),
		zap.Int("total_tokens", result.Usage.TotalTokens))
	stream.EmitComplete("Research complete", map[string]interface{}{
		"request_id": id,
		"agent":      decision.Agent,
		"answer":     result.Answer,
		"sources":    result.Sources,
	})

	return &Response{ID: id, Decision: decision, Result: result, Duration: duration}, nil
}

func (r *Router) run(ctx context.Context, kind agents.Kind, req *Request, analysis complexity.Analysis) (*agents.Result, error) {
	if r.agents == nil {
		return nil, agents.ErrToolUnavailable
	}
	agent, err := r.agents.Get(kind)
	if err != nil {
		return nil, err
	}
	return agent.Run(ctx, &agents.Request{
		Query:    strings.TrimSpace(req.Query),
		History:  req.History,
		Analysis: analysis,
		Stream:   req.Stream,
		OnDelta:  req.OnDelta,
	})
}

// record writes the decision to the audit log. It outlives a canceled
// request so aborted runs are still logged.
func (r *Router) record(ctx context.Context, id string, req *Request, decision Decision, result *agents.Result, duration time.Duration, runErr error) {
	if r.audit == nil {
		return
	}
	d := audit.Decision{
		ID:              id,
		ChatID:          req.ChatID,
		Query:           strings.TrimSpace(req.Query),
		Complexity:      string(decision.Analysis.Complexity),
		Agent:           string(decision.Agent),
		Rule:            decision.Analysis.Rule,
		Override:        string(decision.Analysis.Override),
		EstimatedTokens: decision.Analysis.EstimatedTokens,
		LatencyMS:       duration.Milliseconds(),
	}
	if result != nil {
		d.UsedTokens = result.Usage.TotalTokens
		d.Sources = len(result.Sources)
	}
	if runErr != nil {
		d.Error = runErr.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.audit.Record(recordCtx, d); err != nil {
		r.logger.Warn("Failed to record routing decision", zap.String("request_id", id), zap.Error(err))
	}
}
