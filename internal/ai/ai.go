// Package ai implements the language-model backends that answer relayed
// messages. Every backend satisfies Completer; the factory picks one by the
// configured provider name and falls back to OpenAI when the name is unknown.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
)

// DefaultInstruction is the system instruction used when none is configured.
const DefaultInstruction = "你是一个小助手，用相同的语言回答问题。"

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Completer produces a reply for one inbound message, using the stored
// conversation context for the given key. Implementations append the
// completed turn pair to the history store on success.
type Completer interface {
	Name() string
	Complete(ctx context.Context, key history.Key, text string) (string, error)
}

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string
	APIBase string
	Model   string
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Config selects and tunes a backend.
type Config struct {
	Provider          string
	Instruction       string
	MaxRetries        int
	RetryDelaySeconds int
	OpenAI            OpenAIConfig
	Gemini            GeminiConfig
}

// New builds the Completer named by cfg.Provider. An unrecognized provider
// name logs a warning and falls back to OpenAI rather than failing startup.
func New(ctx context.Context, cfg Config, hist *history.Store, log *slog.Logger) (Completer, error) {
	if cfg.Instruction == "" {
		cfg.Instruction = DefaultInstruction
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	retryDelay := defaultRetryDelay
	if cfg.RetryDelaySeconds > 0 {
		retryDelay = time.Duration(cfg.RetryDelaySeconds) * time.Second
	}

	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		return newGeminiClient(ctx, cfg.Gemini, cfg.Instruction, cfg.MaxRetries, retryDelay, hist, log)
	case "openai", "":
		return newOpenAIClient(cfg.OpenAI, cfg.Instruction, cfg.MaxRetries, retryDelay, hist, log)
	default:
		log.Warn("Unknown AI provider, falling back to openai", "provider", cfg.Provider)
		return newOpenAIClient(cfg.OpenAI, cfg.Instruction, cfg.MaxRetries, retryDelay, hist, log)
	}
}

// completeWithRetries runs fn until it succeeds, fails with a non-retriable
// error, or exhausts the retry budget. Only rate-limit errors are retried;
// anything else fails fast so the caller can serve its fallback reply.
func completeWithRetries(ctx context.Context, log *slog.Logger, maxRetries int, delay time.Duration, fn func() (string, error)) (string, error) {
	var reply string
	var err error

	for i := 0; i <= maxRetries; i++ {
		reply, err = fn()
		if err == nil {
			return reply, nil
		}

		if !relayerr.IsRateLimited(err) {
			log.WarnContext(ctx, "AI call failed with non-retriable error", "error", err)
			return "", err
		}
		if i == maxRetries {
			break
		}

		log.InfoContext(ctx, "AI call rate limited, retrying", "attempt", i+1, "max_retries", maxRetries, "delay", delay)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("ai call canceled while waiting to retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	log.ErrorContext(ctx, "AI call failed after max retries", "max_retries", maxRetries, "error", err)
	return "", fmt.Errorf("ai call failed after %d retries: %w", maxRetries, err)
}
