// Package llm wraps the hosted model endpoint behind a narrow Generator
// interface so the chat layer can be tested without a live model.
package llm

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/metrics"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 30 * time.Second

// Generator produces a completion for a prompt. Implementations may fail
// with transient errors; callers decide whether to retry or fall back.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Service is the production Generator backed by an OpenAI-compatible
// endpoint.
type Service struct {
	llm     llms.LLM
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Service for the given endpoint. timeout <= 0 selects
// DefaultTimeout.
func New(baseURL, token, model string, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	client, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{llm: client, timeout: timeout, logger: logger}, nil
}

// Generate runs one completion, bounded by the service timeout. A timeout
// surfaces as an ordinary error so the caller's fallback path treats it
// like any other generation failure.
func (s *Service) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt, llms.WithMaxTokens(maxTokens))
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	s.logger.Debug("generated completion",
		zap.Int("prompt_tokens", CountTokens(prompt)),
		zap.Duration("latency", time.Since(start)))
	return completion, nil
}
