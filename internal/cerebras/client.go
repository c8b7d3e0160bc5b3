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

package cerebras

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/keybalancer"
	"github.com/your-org/legal-research-assistant/internal/resilience"
	"github.com/your-org/legal-research-assistant/internal/tokens"
)

const (
	// DefaultBaseURL is the OpenAI-compatible Cerebras endpoint
	DefaultBaseURL = "https://api.cerebras.ai/v1"
	// DefaultModel is the model used when a request does not name one
	DefaultModel = "gpt-oss-120b"
	// DefaultMaxTokens caps completion length when a request does not
	DefaultMaxTokens = 2048
	// DefaultTemperature keeps legal answers conservative
	DefaultTemperature = 0.2

	defaultTimeout = 60 * time.Second
)

// ErrEmptyPrompt is returned when a request has no messages
var ErrEmptyPrompt = fmt.Errorf("%w: chat request has no messages", resilience.ErrValidation)

// errStreamInterrupted marks a stream that failed after output was delivered;
// such calls cannot be retried without duplicating text
var errStreamInterrupted = errors.New("stream interrupted after partial output")

// KeySource hands out API keys and receives failure reports
type KeySource interface {
	GetKey(ctx context.Context, cost int) (string, error)
	ReportFailure(key string, err error) resilience.Kind
	MarkSuccess(key string)
}

// Config holds Cerebras client settings
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Model:   DefaultModel,
		Timeout: defaultTimeout,
		Retry:   resilience.DefaultRetryConfig(),
	}
}

// Client sends chat completions to Cerebras, one SDK client per API key
type Client struct {
	config Config
	keys   KeySource
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewClient creates a Cerebras client drawing keys from keys
func NewClient(keys KeySource, config Config, logger *zap.Logger) (*Client, error) {
	if keys == nil {
		return nil, keybalancer.ErrNoKeys
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	logger.Info("Cerebras client initialized",
		zap.String("base_url", config.BaseURL),
		zap.String("model", config.Model),
		zap.Int("max_retries", config.Retry.MaxRetries))

	return &Client{
		config:  config,
		keys:    keys,
		logger:  logger,
		clients: make(map[string]*openai.Client),
	}, nil
}

// Model returns the default model name
func (c *Client) Model() string {
	return c.config.Model
}

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ChatRequest is a chat completion request
type ChatRequest struct {
	System      string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a completed chat
type ChatResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
}

// APIError is a non-2xx response from Cerebras
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cerebras: status %d: %s", e.Status, e.Message)
}

// StatusCode exposes the HTTP status for error classification
func (e *APIError) StatusCode() int {
	return e.Status
}

// Chat sends a chat completion, rotating keys across retries
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	sdkReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Creating chat completion",
		zap.String("model", sdkReq.Model),
		zap.Int("max_tokens", sdkReq.MaxTokens),
		zap.Int("message_count", len(sdkReq.Messages)))

	resp, err := resilience.WithRetry(ctx, c.logger, c.config.Retry, func(ctx context.Context) (*ChatResponse, error) {
		key, client, err := c.acquire(ctx, sdkReq)
		if err != nil {
			return nil, err
		}

		out, err := client.CreateChatCompletion(ctx, sdkReq)
		if err != nil {
			return nil, c.fail(key, err)
		}
		if len(out.Choices) == 0 {
			return nil, c.fail(key, &APIError{Status: http.StatusBadGateway, Message: "no choices returned"})
		}
		c.keys.MarkSuccess(key)

		return &ChatResponse{
			Content:      out.Choices[0].Message.Content,
			FinishReason: string(out.Choices[0].FinishReason),
			Model:        out.Model,
			Usage: Usage{
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
				TotalTokens:      out.Usage.TotalTokens,
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cerebras chat: %w", err)
	}

	c.logger.Debug("Chat completion successful",
		zap.String("finish_reason", resp.FinishReason),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return resp, nil
}

// Complete is a single-turn convenience around Chat
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int) (*ChatResponse, error) {
	return c.Chat(ctx, ChatRequest{
		System:    system,
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
}

// ChatStream streams a completion, calling onDelta for each text fragment.
// Failures before the first fragment are retried on another key; failures
// after output has been delivered are returned as is.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	sdkReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	sdkReq.Stream = true

	retry := c.config.Retry
	retry.IsRetryable = func(err error) bool {
		return !errors.Is(err, errStreamInterrupted) && resilience.IsRetryable(err)
	}

	resp, err := resilience.WithRetry(ctx, c.logger, retry, func(ctx context.Context) (*ChatResponse, error) {
		key, client, err := c.acquire(ctx, sdkReq)
		if err != nil {
			return nil, err
		}

		stream, err := client.CreateChatCompletionStream(ctx, sdkReq)
		if err != nil {
			return nil, c.fail(key, err)
		}
		defer stream.Close()

		var b strings.Builder
		out := &ChatResponse{Model: sdkReq.Model}
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				err = c.fail(key, err)
				if b.Len() > 0 {
					return nil, fmt.Errorf("%w: %w", errStreamInterrupted, err)
				}
				return nil, err
			}
			if chunk.Model != "" {
				out.Model = chunk.Model
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					b.WriteString(choice.Delta.Content)
					if onDelta != nil {
						onDelta(choice.Delta.Content)
					}
				}
				if choice.FinishReason != "" {
					out.FinishReason = string(choice.FinishReason)
				}
			}
		}
		c.keys.MarkSuccess(key)

		// Streams carry no usage block; estimate it
		out.Content = b.String()
		prompt := 0
		for _, m := range sdkReq.Messages {
			prompt += tokens.Estimate(m.Content)
		}
		completion := tokens.Estimate(out.Content)
		out.Usage = Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cerebras stream: %w", err)
	}
	return resp, nil
}

func (c *Client) buildRequest(req ChatRequest) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if len(messages) == 0 || messages[len(messages)-1].Role == RoleSystem {
		return openai.ChatCompletionRequest{}, ErrEmptyPrompt
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}, nil
}

// acquire takes a key charged by the request's estimated size
func (c *Client) acquire(ctx context.Context, req openai.ChatCompletionRequest) (string, *openai.Client, error) {
	estimate := req.MaxTokens
	for _, m := range req.Messages {
		estimate += tokens.Estimate(m.Content)
	}
	cost := 1 + estimate/8000

	key, err := c.keys.GetKey(ctx, cost)
	if err != nil {
		return "", nil, err
	}
	return key, c.clientFor(key), nil
}

func (c *Client) clientFor(key string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(c.config.BaseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: c.config.Timeout}
	client := openai.NewClientWithConfig(cfg)
	c.clients[key] = client
	return client
}

// fail converts an SDK error and reports it against key
func (c *Client) fail(key string, err error) error {
	converted := convertError(err)
	kind := c.keys.ReportFailure(key, converted)
	c.logger.Warn("Cerebras request failed",
		zap.String("key", keybalancer.Mask(key)),
		zap.String("kind", string(kind)),
		zap.Error(converted))
	return converted
}

// convertError maps go-openai errors to APIError so status codes drive
// classification; other errors pass through
func convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &APIError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}
