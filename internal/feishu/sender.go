package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Sender delivers replies through the im/v1 message-send API.
type Sender struct {
	tokens     *TokenSource
	apiBase    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewSender creates a sender using tokens for authentication. apiBase may be
// empty to use the public endpoint.
func NewSender(tokens *TokenSource, apiBase string, log *slog.Logger) *Sender {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Sender{
		tokens:     tokens,
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.With("component", "feishu_sender"),
	}
}

type sendResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// SendText posts a text message to chatID.
func (s *Sender) SendText(ctx context.Context, chatID, text string) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	url := s.apiBase + "/open-apis/im/v1/messages?receive_id_type=chat_id"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if sr.Code != 0 {
		return fmt.Errorf("send endpoint returned code %d: %s", sr.Code, sr.Msg)
	}

	s.log.Debug("Sent Feishu reply", "chat_id", chatID, "text_len", len(text))
	return nil
}
