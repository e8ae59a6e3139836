package wechat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zbun/wechat-gpt-relay/internal/dedup"
	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func signQuery(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

type stubCompleter struct {
	reply string
	calls int
}

func (s *stubCompleter) Name() string { return "openai" }

func (s *stubCompleter) Complete(_ context.Context, _ history.Key, _ string) (string, error) {
	s.calls++
	return s.reply, nil
}

func newTestHandler(t *testing.T, token string, completer *stubCompleter) *Handler {
	t.Helper()

	svc := relay.New(completer, dedup.New(time.Minute, testLogger()), 0, testLogger())
	return NewHandler(svc, token, "", testLogger())
}

func TestValidateSignature(t *testing.T) {
	t.Parallel()

	const token, timestamp, nonce = "secret-token", "1700000000", "n0nce"
	good := signQuery(token, timestamp, nonce)

	require.True(t, ValidateSignature(token, good, timestamp, nonce))
	require.False(t, ValidateSignature(token, good, timestamp, "other-nonce"))
	require.False(t, ValidateSignature("wrong-token", good, timestamp, nonce))

	// Any single-character mutation of the signature must flip the result.
	for i := 0; i < len(good); i++ {
		mutated := []byte(good)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		require.False(t, ValidateSignature(token, string(mutated), timestamp, nonce), "mutation at index %d", i)
	}
}

func TestValidateSignatureFailsOpenWithoutToken(t *testing.T) {
	t.Parallel()

	require.True(t, ValidateSignature("", "whatever", "1", "2"))
}

func TestVerificationEchoesChallenge(t *testing.T) {
	t.Parallel()

	const token = "tok"
	h := newTestHandler(t, token, &stubCompleter{})

	q := url.Values{}
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "abc")
	q.Set("signature", signQuery(token, "1700000000", "abc"))
	q.Set("echostr", "echo-me-back")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "echo-me-back", rec.Body.String())
}

func TestVerificationRejectsBadSignature(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "tok", &stubCompleter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat?signature=bad&timestamp=1&nonce=2&echostr=x", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerificationMissingParams(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "tok", &stubCompleter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat?echostr=x", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBareGETReportsLiveness(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "tok", &stubCompleter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func postEnvelope(t *testing.T, h *Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	q := url.Values{}
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "n1")
	q.Set("signature", signQuery(token, "1700000000", "n1"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat?"+q.Encode(), strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

func textEnvelope(from, content, msgID string) string {
	return fmt.Sprintf(`<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[%s]]></Content>
<MsgId>%s</MsgId>
</xml>`, from, content, msgID)
}

func TestTextMessageRoundTrip(t *testing.T) {
	t.Parallel()

	const token = "tok"
	completer := &stubCompleter{reply: "hi"}
	h := newTestHandler(t, token, completer)

	rec := postEnvelope(t, h, token, textEnvelope("oUser1", "hello", "1001"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<Content><![CDATA[hi]]></Content>")
	require.Equal(t, 1, completer.calls)

	var reply InboundMessage
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &reply))
	require.Equal(t, "oUser1", reply.ToUserName)
	require.Equal(t, "gh_account", reply.FromUserName)
	require.Equal(t, "text", reply.MsgType)
	require.Equal(t, "hi", reply.Content)
	require.NotZero(t, reply.CreateTime)
}

func TestDuplicateDeliverySkipsDispatcher(t *testing.T) {
	t.Parallel()

	const token = "tok"
	completer := &stubCompleter{reply: "hi"}
	h := newTestHandler(t, token, completer)
	body := textEnvelope("oUser1", "hello", "2002")

	first := postEnvelope(t, h, token, body)
	require.Contains(t, first.Body.String(), "CDATA[hi]")

	second := postEnvelope(t, h, token, body)
	require.Equal(t, http.StatusOK, second.Code)
	require.Empty(t, second.Body.String())
	require.Equal(t, 1, completer.calls)
}

func TestPostRejectsBadSignature(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "tok", &stubCompleter{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wechat?signature=bad&timestamp=1&nonce=2",
		strings.NewReader(textEnvelope("oUser1", "hello", "1")))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostMalformedBody(t *testing.T) {
	t.Parallel()

	const token = "tok"
	h := newTestHandler(t, token, &stubCompleter{})

	rec := postEnvelope(t, h, token, "this is not xml")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubscribeEventGetsWelcome(t *testing.T) {
	t.Parallel()

	const token = "tok"
	completer := &stubCompleter{}
	h := newTestHandler(t, token, completer)

	body := `<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[oUser9]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[event]]></MsgType>
<Event><![CDATA[subscribe]]></Event>
</xml>`

	rec := postEnvelope(t, h, token, body)
	require.Contains(t, rec.Body.String(), DefaultWelcome)
	require.Equal(t, 0, completer.calls)
}

func TestUnsubscribeEventAcknowledgedSilently(t *testing.T) {
	t.Parallel()

	const token = "tok"
	h := newTestHandler(t, token, &stubCompleter{})

	body := `<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[oUser9]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[event]]></MsgType>
<Event><![CDATA[unsubscribe]]></Event>
</xml>`

	rec := postEnvelope(t, h, token, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestNonTextMessageGetsUnsupportedReply(t *testing.T) {
	t.Parallel()

	const token = "tok"
	completer := &stubCompleter{}
	h := newTestHandler(t, token, completer)

	body := `<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[oUser1]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[image]]></MsgType>
</xml>`

	rec := postEnvelope(t, h, token, body)
	require.Contains(t, rec.Body.String(), unsupportedReply)
	require.Equal(t, 0, completer.calls)
}
