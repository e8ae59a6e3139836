package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zbun/wechat-gpt-relay/internal/dedup"
	"github.com/Zbun/wechat-gpt-relay/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubCompleter struct {
	name    string
	reply   string
	err     error
	lastKey history.Key
	calls   int
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(_ context.Context, key history.Key, _ string) (string, error) {
	s.calls++
	s.lastKey = key
	return s.reply, s.err
}

func TestHandleMessageRelaysReply(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{name: "openai", reply: "hello back"}
	svc := New(completer, dedup.New(time.Minute, testLogger()), 0, testLogger())

	reply, ok := svc.HandleMessage(context.Background(), InboundEvent{
		Platform:   "wechat",
		Key:        history.Key{ConversationID: "oUser1"},
		DeliveryID: "msg-1",
		Text:       "hello",
	})
	require.True(t, ok)
	require.Equal(t, "hello back", reply)
	require.Equal(t, "wechat:openai:oUser1", completer.lastKey.String())
}

func TestHandleMessageSkipsDuplicateDelivery(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{name: "openai", reply: "hi"}
	svc := New(completer, dedup.New(time.Minute, testLogger()), 0, testLogger())
	ev := InboundEvent{Platform: "feishu", Key: history.Key{ConversationID: "oc_1"}, DeliveryID: "m1", Text: "hi"}

	_, ok := svc.HandleMessage(context.Background(), ev)
	require.True(t, ok)

	_, ok = svc.HandleMessage(context.Background(), ev)
	require.False(t, ok)
	require.Equal(t, 1, completer.calls)
}

func TestHandleMessageFallsBackOnProviderError(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{name: "gemini", err: errors.New("backend down")}
	svc := New(completer, dedup.New(time.Minute, testLogger()), 0, testLogger())

	reply, ok := svc.HandleMessage(context.Background(), InboundEvent{
		Platform:   "wechat",
		Key:        history.Key{ConversationID: "oUser1"},
		DeliveryID: "msg-2",
		Text:       "hello",
	})
	require.True(t, ok)
	require.Equal(t, "抱歉，GEMINI 服务暂时不可用。", reply)
}
