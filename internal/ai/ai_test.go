package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend records chat-completions requests and replays scripted
// responses, one per call.
type fakeBackend struct {
	mu        sync.Mutex
	requests  []oaiRequest
	responses []func(w http.ResponseWriter)
}

func (f *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.requests = append(f.requests, req)
		idx := len(f.requests) - 1
		f.mu.Unlock()

		if idx < len(f.responses) {
			f.responses[idx](w)
			return
		}
		replyWith(w, "fallthrough reply")
	}
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func replyWith(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
}

func rateLimited(w http.ResponseWriter) {
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
}

func newTestClient(t *testing.T, backend *fakeBackend, maxRetries int) *openAIClient {
	t.Helper()

	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	hist := history.NewStore(nil, history.Options{}, testLogger())
	client, err := newOpenAIClient(
		OpenAIConfig{APIKey: "test-key", APIBase: srv.URL, Model: "gpt-4o-mini"},
		DefaultInstruction, maxRetries, time.Millisecond, hist, testLogger(),
	)
	require.NoError(t, err)
	return client
}

func TestOpenAICompleteBuildsPrompt(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{responses: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { replyWith(w, "first answer") },
		func(w http.ResponseWriter) { replyWith(w, "second answer") },
	}}
	client := newTestClient(t, backend, 3)
	key := history.Key{Platform: "wechat", Provider: "openai", ConversationID: "u1"}

	reply, err := client.Complete(context.Background(), key, "first question")
	require.NoError(t, err)
	require.Equal(t, "first answer", reply)

	reply, err = client.Complete(context.Background(), key, "second question")
	require.NoError(t, err)
	require.Equal(t, "second answer", reply)

	// The second request must carry the system instruction, the first turn
	// pair from history, then the new question.
	second := backend.requests[1]
	require.Equal(t, "gpt-4o-mini", second.Model)
	require.Len(t, second.Messages, 4)
	require.Equal(t, oaiMessage{Role: "system", Content: DefaultInstruction}, second.Messages[0])
	require.Equal(t, oaiMessage{Role: "user", Content: "first question"}, second.Messages[1])
	require.Equal(t, oaiMessage{Role: "assistant", Content: "first answer"}, second.Messages[2])
	require.Equal(t, oaiMessage{Role: "user", Content: "second question"}, second.Messages[3])
}

func TestOpenAIRetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{responses: []func(http.ResponseWriter){
		rateLimited,
		rateLimited,
		func(w http.ResponseWriter) { replyWith(w, "finally") },
	}}
	client := newTestClient(t, backend, 3)
	key := history.Key{Platform: "wechat", Provider: "openai", ConversationID: "u1"}

	reply, err := client.Complete(context.Background(), key, "hello")
	require.NoError(t, err)
	require.Equal(t, "finally", reply)
	require.Equal(t, 3, backend.callCount())
}

func TestOpenAIGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{responses: []func(http.ResponseWriter){
		rateLimited, rateLimited, rateLimited,
	}}
	client := newTestClient(t, backend, 2)
	key := history.Key{Platform: "wechat", Provider: "openai", ConversationID: "u1"}

	_, err := client.Complete(context.Background(), key, "hello")
	require.Error(t, err)
	require.True(t, relayerr.IsRateLimited(err))
	require.Equal(t, 3, backend.callCount())

	// A failed completion must not pollute the conversation history.
	hist := client.history.Load(context.Background(), key)
	require.Empty(t, hist)
}

func TestOpenAIServerErrorFailsFast(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{responses: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
	}}
	client := newTestClient(t, backend, 3)
	key := history.Key{Platform: "wechat", Provider: "openai", ConversationID: "u1"}

	_, err := client.Complete(context.Background(), key, "hello")
	require.Error(t, err)
	require.ErrorIs(t, err, relayerr.ErrProvider)
	require.Equal(t, 1, backend.callCount())
}

func TestGeminiContextAssembly(t *testing.T) {
	t.Parallel()

	client := &geminiClient{instruction: DefaultInstruction}
	turns := []history.Turn{
		{Role: history.RoleUser, Content: "first question"},
		{Role: history.RoleAssistant, Content: "first answer"},
	}

	got := client.buildContext(turns, "second question")
	want := DefaultInstruction + "\n\nfirst question\nfirst answer\nsecond question"
	require.Equal(t, want, got)

	// Stored turns carry no role labels into the prompt.
	require.NotContains(t, got, "user:")
	require.NotContains(t, got, "assistant:")
}

func TestFactoryFallsBackToOpenAI(t *testing.T) {
	t.Parallel()

	hist := history.NewStore(nil, history.Options{}, testLogger())
	completer, err := New(context.Background(), Config{
		Provider: "claude",
		OpenAI:   OpenAIConfig{APIKey: "k"},
	}, hist, testLogger())
	require.NoError(t, err)
	require.Equal(t, "openai", completer.Name())
}

func TestFactoryRequiresAPIKey(t *testing.T) {
	t.Parallel()

	hist := history.NewStore(nil, history.Options{}, testLogger())
	_, err := New(context.Background(), Config{Provider: "openai"}, hist, testLogger())
	require.Error(t, err)
}
