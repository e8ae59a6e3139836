// Package relay implements the platform-independent message pipeline: dedup,
// completion with conversation context, and the degraded fallback reply when
// the AI backend is unavailable.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/ai"
	"github.com/Zbun/wechat-gpt-relay/internal/dedup"
	"github.com/Zbun/wechat-gpt-relay/internal/history"
)

const defaultCompletionTimeout = 50 * time.Second

// InboundEvent is one text message handed over by a platform adapter. Key
// arrives without a provider; the service stamps it with the active backend
// so each backend keeps its own transcript.
type InboundEvent struct {
	Platform   string
	Key        history.Key
	DeliveryID string
	Text       string
}

// Service runs the shared pipeline for all platform adapters.
type Service struct {
	log       *slog.Logger
	dedup     *dedup.Deduplicator
	completer ai.Completer
	timeout   time.Duration
}

// New creates the relay service. timeout bounds a single completion call;
// zero selects the default.
func New(completer ai.Completer, deduplicator *dedup.Deduplicator, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &Service{
		log:       log.With("component", "relay"),
		dedup:     deduplicator,
		completer: completer,
		timeout:   timeout,
	}
}

// Provider returns the name of the active AI backend.
func (s *Service) Provider() string { return s.completer.Name() }

// HandleMessage runs one inbound message through the pipeline. ok is false
// when the message is a duplicate delivery and the adapter should acknowledge
// without replying. A backend failure still returns ok with the degraded
// fallback text, so the user always gets an answer.
func (s *Service) HandleMessage(ctx context.Context, ev InboundEvent) (string, bool) {
	if !s.dedup.ShouldProcess(ev.DeliveryID) {
		return "", false
	}

	key := ev.Key
	key.Platform = ev.Platform
	key.Provider = s.completer.Name()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.completer.Complete(ctx, key, ev.Text)
	if err != nil {
		s.log.ErrorContext(ctx, "Completion failed, serving fallback reply",
			"platform", ev.Platform, "conv_key", key.String(), "error", err)
		return s.fallbackReply(), true
	}

	s.log.InfoContext(ctx, "Relayed message",
		"platform", ev.Platform, "conv_key", key.String(), "reply_len", len(reply))
	return reply, true
}

func (s *Service) fallbackReply() string {
	return fmt.Sprintf("抱歉，%s 服务暂时不可用。", strings.ToUpper(s.completer.Name()))
}
