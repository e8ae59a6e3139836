package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
)

const defaultGeminiModel = "gemini-2.0-flash-lite"

type geminiClient struct {
	genaiClient   *genai.Client
	contentConfig *genai.GenerateContentConfig
	instruction   string
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	history       *history.Store
	log           *slog.Logger
}

func newGeminiClient(ctx context.Context, cfg GeminiConfig, instruction string, maxRetries int, retryDelay time.Duration, hist *history.Store, log *slog.Logger) (*geminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	contentConfig := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		contentConfig.Temperature = &cfg.Temperature
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", cfg.Model)
	return &geminiClient{
		genaiClient:   gi,
		contentConfig: contentConfig,
		instruction:   instruction,
		modelName:     cfg.Model,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		history:       hist,
		log:           logger,
	}, nil
}

func (c *geminiClient) Name() string { return "gemini" }

func (c *geminiClient) Complete(ctx context.Context, key history.Key, text string) (string, error) {
	turns := c.history.Load(ctx, key)
	contents := []*genai.Content{
		genai.NewContentFromText(c.buildContext(turns, text), genai.RoleUser),
	}

	reply, err := completeWithRetries(ctx, c.log, c.maxRetries, c.retryDelay, func() (string, error) {
		return c.generate(ctx, contents)
	})
	if err != nil {
		return "", err
	}

	c.history.Append(ctx, key, text, reply)
	return reply, nil
}

// buildContext assembles the single concatenated prompt this backend takes:
// the instruction, each stored turn's raw text on its own line, then the new
// message. Turns carry no role labels because the model tends to echo them
// back; the response shaper still strips any that slip through.
func (c *geminiClient) buildContext(turns []history.Turn, text string) string {
	var sb strings.Builder
	sb.WriteString(c.instruction)
	sb.WriteString("\n\n")
	for _, t := range turns {
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(text)
	return sb.String()
}

func (c *geminiClient) generate(ctx context.Context, contents []*genai.Content) (string, error) {
	resp, err := c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, c.contentConfig)
	if err != nil {
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == 429 {
			return "", fmt.Errorf("gemini rate limited: %w", relayerr.ErrRateLimited)
		}
		return "", fmt.Errorf("gemini API call failed: %v: %w", err, relayerr.ErrProvider)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.WarnContext(ctx, "Gemini request blocked by safety filter", "reason", reasonMsg)
		return "", fmt.Errorf("gemini blocked by safety filter: %s: %w", reasonMsg, relayerr.ErrProvider)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty content: %w", relayerr.ErrProvider)
	}
	return text, nil
}
