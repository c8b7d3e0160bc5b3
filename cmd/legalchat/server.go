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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/audit"
	"github.com/your-org/legal-research-assistant/internal/cerebras"
	"github.com/your-org/legal-research-assistant/internal/health"
	"github.com/your-org/legal-research-assistant/internal/keybalancer"
	"github.com/your-org/legal-research-assistant/internal/metrics"
	"github.com/your-org/legal-research-assistant/internal/resilience"
	"github.com/your-org/legal-research-assistant/internal/router"
	"github.com/your-org/legal-research-assistant/internal/streaming"
)

const (
	requestIDHeader = "X-Request-ID"
	// maxQueryLength bounds a single chat message in characters
	maxQueryLength = 10000
	maxHistory     = 20
)

// KeyPool is the balancer view the API exposes
type KeyPool interface {
	Vendor() string
	Len() int
	Available() int
	Stats() []keybalancer.KeyStatus
}

// DecisionStore reads recorded routing decisions
type DecisionStore interface {
	Recent(ctx context.Context, limit int) ([]audit.Decision, error)
	Summarize(ctx context.Context) (*audit.Summary, error)
}

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	ID                     string             `json:"id"`
	Message                string             `json:"message" binding:"required"`
	Messages               []cerebras.Message `json:"messages"`
	SelectedChatModel      string             `json:"selectedChatModel"`
	SelectedVisibilityType string             `json:"selectedVisibilityType"`
	Mode                   string             `json:"mode"`
}

// RouteRequest is the body of POST /api/route
type RouteRequest struct {
	Message           string `json:"message" binding:"required"`
	SelectedChatModel string `json:"selectedChatModel"`
	Mode              string `json:"mode"`
}

// KeyPoolView is one vendor in GET /api/keys
type KeyPoolView struct {
	Vendor    string                  `json:"vendor"`
	Total     int                     `json:"total"`
	Available int                     `json:"available"`
	Keys      []keybalancer.KeyStatus `json:"keys"`
}

// server exposes the router over HTTP
type server struct {
	router    *router.Router
	keys      []KeyPool
	decisions DecisionStore
	health    *health.Manager
	metricsH  http.Handler
	recorder  metrics.Recorder
	errors    *resilience.ErrorHandler
	logger    *zap.Logger
}

func newServer(a *app) *server {
	keys := make([]KeyPool, 0, len(a.keys))
	for _, b := range a.keys {
		keys = append(keys, b)
	}
	s := &server{
		router:   a.router,
		keys:     keys,
		health:   a.health,
		metricsH: a.metricsH,
		recorder: a.recorder,
		errors:   resilience.NewErrorHandler(a.logger),
		logger:   a.logger,
	}
	if a.audit != nil {
		s.decisions = a.audit
	}
	return s
}

// engine builds the gin routes
func (s *server) engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.observe())

	api := r.Group("/api")
	api.POST("/chat", s.handleChat)
	api.POST("/route", s.handleRoute)
	api.GET("/keys", s.handleKeys)
	api.GET("/decisions", s.handleDecisions)
	api.GET("/decisions/summary", s.handleDecisionSummary)

	r.GET("/health", gin.WrapF(s.health.HTTPHandler()))
	if s.metricsH != nil {
		r.GET("/metrics", gin.WrapH(s.metricsH))
	}
	return r
}

func (s *server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.recorder.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")))
	}
}

func (s *server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}
	if err := validateQuery(req.Message); err != nil {
		s.writeError(c, err)
		return
	}
	if _, err := router.ResolveMode(req.Mode, req.SelectedChatModel); err != nil {
		s.writeError(c, resilience.NewBadRequestError("Unknown research mode.", err))
		return
	}

	chatID := req.ID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	routeReq := &router.Request{
		ChatID:  chatID,
		Query:   req.Message,
		History: recentHistory(req.Messages),
		Model:   req.SelectedChatModel,
		Mode:    req.Mode,
	}

	if wantsEventStream(c.Request) {
		s.streamChat(c, routeReq)
		return
	}

	resp, err := s.router.Route(c.Request.Context(), routeReq)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       resp.ID,
		"chat_id":  chatID,
		"decision": resp.Decision,
		"answer":   resp.Result.Answer,
		"sources":  resp.Result.Sources,
		"steps":    resp.Result.Steps,
		"usage":    resp.Result.Usage,
		"metadata": gin.H{"processing_time": resp.Duration.Milliseconds()},
	})
}

// streamChat answers over server-sent events. Progress, answer deltas and the
// final result are all events; errors arrive as an error event.
func (s *server) streamChat(c *gin.Context, req *router.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	stream := streaming.NewEventStream(req.ChatID)
	defer stream.Close()
	stream.AddCallback(func(e streaming.Event) {
		if err := e.WriteSSE(c.Writer); err != nil {
			s.logger.Debug("Dropped stream event", zap.String("chat_id", req.ChatID), zap.Error(err))
		}
	})
	req.Stream = stream
	req.OnDelta = stream.EmitDelta

	// The router has already streamed any failure as an error event
	if _, err := s.router.Route(c.Request.Context(), req); err != nil {
		s.logger.Info("Streamed chat failed", zap.String("chat_id", req.ChatID), zap.Error(err))
	}
}

func (s *server) handleRoute(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}
	if err := validateQuery(req.Message); err != nil {
		s.writeError(c, err)
		return
	}
	mode, err := router.ResolveMode(req.Mode, req.SelectedChatModel)
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("Unknown research mode.", err))
		return
	}
	decision, err := s.router.Classify(req.Message, mode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *server) handleKeys(c *gin.Context) {
	views := make([]KeyPoolView, 0, len(s.keys))
	for _, pool := range s.keys {
		views = append(views, KeyPoolView{
			Vendor:    pool.Vendor(),
			Total:     pool.Len(),
			Available: pool.Available(),
			Keys:      pool.Stats(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"vendors": views})
}

func (s *server) handleDecisions(c *gin.Context) {
	if s.decisions == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []audit.Decision{}})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, resilience.NewBadRequestError("limit must be a non-negative integer", err))
			return
		}
		limit = n
	}
	decisions, err := s.decisions.Recent(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *server) handleDecisionSummary(c *gin.Context) {
	if s.decisions == nil {
		c.JSON(http.StatusOK, audit.Summary{})
		return
	}
	summary, err := s.decisions.Summarize(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *server) writeError(c *gin.Context, err error) {
	var serviceErr *resilience.ServiceError
	if !errors.As(err, &serviceErr) {
		serviceErr = s.errors.WrapError(err, c.FullPath())
	}
	c.AbortWithStatusJSON(serviceErr.StatusCode, serviceErr.ToErrorResponse(c.GetString("request_id")))
}

func validateQuery(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return resilience.NewBadRequestError("Please enter a question.", router.ErrEmptyQuery)
	}
	if len([]rune(query)) > maxQueryLength {
		return resilience.NewBadRequestError("Your question is too long. Please shorten it and try again.",
			resilience.ErrValidation)
	}
	return nil
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// recentHistory keeps the latest turns with a known role
func recentHistory(messages []cerebras.Message) []cerebras.Message {
	history := make([]cerebras.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != cerebras.RoleUser && m.Role != cerebras.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, m)
	}
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return history
}
