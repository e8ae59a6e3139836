package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
)

const (
	defaultOpenAIBase    = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-3.5-turbo"
	defaultOpenAITimeout = 60 * time.Second
)

// openAIClient talks to any chat-completions compatible endpoint, which
// covers OpenAI itself plus the various self-hosted gateways that mirror
// its API.
type openAIClient struct {
	apiKey      string
	apiBase     string
	model       string
	instruction string
	maxRetries  int
	retryDelay  time.Duration
	httpClient  *http.Client
	history     *history.Store
	log         *slog.Logger
}

func newOpenAIClient(cfg OpenAIConfig, instruction string, maxRetries int, retryDelay time.Duration, hist *history.Store, log *slog.Logger) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}

	logger := log.With("component", "openai_client")
	logger.Info("OpenAI client initialized successfully", "model", cfg.Model, "api_base", cfg.APIBase)
	return &openAIClient{
		apiKey:      cfg.APIKey,
		apiBase:     cfg.APIBase,
		model:       cfg.Model,
		instruction: instruction,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		httpClient:  &http.Client{Timeout: defaultOpenAITimeout},
		history:     hist,
		log:         logger,
	}, nil
}

func (c *openAIClient) Name() string { return "openai" }

type oaiRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) Complete(ctx context.Context, key history.Key, text string) (string, error) {
	turns := c.history.Load(ctx, key)

	msgs := make([]oaiMessage, 0, len(turns)+2)
	msgs = append(msgs, oaiMessage{Role: "system", Content: c.instruction})
	for _, t := range turns {
		msgs = append(msgs, oaiMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, oaiMessage{Role: history.RoleUser, Content: text})

	reply, err := completeWithRetries(ctx, c.log, c.maxRetries, c.retryDelay, func() (string, error) {
		return c.chat(ctx, msgs)
	})
	if err != nil {
		return "", err
	}

	c.history.Append(ctx, key, text, reply)
	return reply, nil
}

func (c *openAIClient) chat(ctx context.Context, msgs []oaiMessage) (string, error) {
	jsonBody, err := json.Marshal(oaiRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", relayerr.ErrProvider)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("openai rate limited: %w", relayerr.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.WarnContext(ctx, "OpenAI returned non-OK status", "status", resp.StatusCode, "body", string(respBody))
		return "", fmt.Errorf("openai returned %d: %w", resp.StatusCode, relayerr.ErrProvider)
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("decode response: %w", relayerr.ErrProvider)
	}
	if len(oaiResp.Choices) == 0 || oaiResp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai returned empty content: %w", relayerr.ErrProvider)
	}

	return oaiResp.Choices[0].Message.Content, nil
}
