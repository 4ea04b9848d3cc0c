// Package llm generates paced response buffers and relevance verdicts
// through any OpenAI-compatible chat completion backend.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kt3v/EtherialSoul-Server/server/chat"
)

// Config represents LLM service configuration.
type Config struct {
	Provider    string // deepseek, openai, siliconflow, ollama, ...
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	Timeout     int     // request timeout in seconds (default: 120)
	MaxRetries  int     // attempts per request on retryable failures (default: 3)
	RetryBaseMS int     // base backoff in milliseconds (default: 800)
}

// Default base URLs for known OpenAI-compatible providers. An unknown
// provider works too as long as BaseURL is set.
var providerBaseURLs = map[string]string{
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"zai":         "https://open.bigmodel.cn/api/paas/v4",
	"dashscope":   "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"ollama":      "http://localhost:11434/v1",
}

// completer is the slice of *openai.Client the service uses.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service implements buffer generation and relevance checks on top of a
// chat completion backend. It satisfies chat.LLMClient.
type Service struct {
	client      completer
	provider    string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	maxRetries  int
	retryBase   time.Duration
}

// NewService creates the LLM service for the configured provider.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = newHTTPClient()
	switch {
	case cfg.BaseURL != "":
		clientConfig.BaseURL = cfg.BaseURL
	case providerBaseURLs[cfg.Provider] != "":
		clientConfig.BaseURL = providerBaseURLs[cfg.Provider]
	case cfg.Provider != "openai" && cfg.Provider != "":
		slog.Info("llm: unknown provider without base URL, using OpenAI endpoint", "provider", cfg.Provider)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryBase := cfg.RetryBaseMS
	if retryBase <= 0 {
		retryBase = 800
	}

	return &Service{
		client:      openai.NewClientWithConfig(clientConfig),
		provider:    cfg.Provider,
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     time.Duration(timeout) * time.Second,
		maxRetries:  maxRetries,
		retryBase:   time.Duration(retryBase) * time.Millisecond,
	}, nil
}

// GenerateBuffer produces a fresh paced block buffer for the conversation.
func (s *Service) GenerateBuffer(ctx context.Context, mode chat.ChatMode, history []chat.HistoryEntry, pending []chat.Block, profile string) ([]chat.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	slog.Debug("llm: buffer request",
		"model", s.model,
		"mode", mode,
		"history_len", len(history),
		"pending_len", len(pending),
	)
	start := time.Now()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    buildGenerateMessages(mode, history, pending, profile),
	}

	content, err := s.complete(ctx, req)
	if err != nil {
		slog.Error("llm: buffer generation failed", "model", s.model, "error", err)
		return nil, err
	}

	blocks, err := parseBlocks(content)
	if err != nil {
		slog.Warn("llm: buffer payload unusable", "model", s.model, "error", err)
		return nil, err
	}

	slog.Debug("llm: buffer generated",
		"mode", mode,
		"blocks", len(blocks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return blocks, nil
}

// RelevanceCheck asks for a YES/NO verdict on the queued blocks. Single
// attempt: the interrupt path is latency-sensitive and the caller already
// treats any error as "keep streaming".
func (s *Service) RelevanceCheck(ctx context.Context, recent []chat.HistoryEntry, sent []chat.Block, pending []chat.Block) (bool, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   8,
		Temperature: 0,
		Messages:    buildRelevanceMessages(recent, sent, pending),
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return false, classifyTransport(err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("%w: empty completion", ErrBadResponse)
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

// Warmup sends a lightweight ping to establish the backend connection.
func (s *Service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		slog.Warn("llm: warmup ping failed (first request may be slower)",
			"provider", s.provider,
			"model", s.model,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	slog.Info("llm: connection warmed up",
		"provider", s.provider,
		"model", s.model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// complete runs one chat completion with exponential backoff on retryable
// failures.
func (s *Service) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	for attempt := 1; ; attempt++ {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("%w: empty completion", ErrBadResponse)
			}
			return resp.Choices[0].Message.Content, nil
		}

		classified := classifyTransport(err)
		if !IsRetryable(classified) || attempt >= s.maxRetries {
			return "", classified
		}

		delay := backoff(s.retryBase, attempt)
		slog.Warn("llm: request failed, retrying",
			"attempt", attempt,
			"max_retries", s.maxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoff doubles the base per attempt with +-50% jitter so simultaneous
// regenerations do not hammer a recovering backend in lockstep.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
