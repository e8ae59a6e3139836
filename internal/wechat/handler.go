package wechat

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"net/http"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relay"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
	"github.com/Zbun/wechat-gpt-relay/internal/shape"
)

// DefaultWelcome greets users who just followed the account.
const DefaultWelcome = "感谢您的关注！我是您的AI助手，可以为您解答任何问题。"

const unsupportedReply = "目前只支持文本消息"

// Handler serves the Official Account webhook endpoint. GET handles the
// registration echo; POST handles steady-state message traffic.
type Handler struct {
	relay   *relay.Service
	token   string
	welcome string
	log     *slog.Logger
	now     func() time.Time
}

// NewHandler creates the webhook handler. welcome may be empty to use the
// default greeting.
func NewHandler(relaySvc *relay.Service, token, welcome string, log *slog.Logger) *Handler {
	if welcome == "" {
		welcome = DefaultWelcome
	}
	return &Handler{
		relay:   relaySvc,
		token:   token,
		welcome: welcome,
		log:     log.With("component", "wechat"),
		now:     time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the one-time webhook registration handshake: on
// a valid signature the echostr query value is echoed back verbatim. A bare
// GET with no handshake parameters reports endpoint liveness instead.
func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature := q.Get("signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if signature == "" && timestamp == "" && nonce == "" && echostr == "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
		http.Error(w, "missing verification parameters", http.StatusBadRequest)
		return
	}

	if !ValidateSignature(h.token, signature, timestamp, nonce) {
		h.log.Warn("WeChat verification failed", "signature", signature)
		http.Error(w, relayerr.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}

	_, _ = w.Write([]byte(echostr))
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !ValidateSignature(h.token, q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		h.log.Warn("WeChat message signature mismatch")
		http.Error(w, relayerr.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}

	var msg InboundMessage
	if err := xml.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.log.Error("Failed to parse WeChat envelope", "error", err)
		http.Error(w, relayerr.ErrParse.Error(), http.StatusInternalServerError)
		return
	}

	switch msg.MsgType {
	case MsgTypeText:
		h.handleText(w, r, &msg)
	case MsgTypeEvent:
		h.handleLifecycleEvent(w, &msg)
	default:
		h.log.Debug("Unsupported WeChat message type", "msg_type", msg.MsgType)
		h.writeReply(w, &msg, unsupportedReply)
	}
}

func (h *Handler) handleText(w http.ResponseWriter, r *http.Request, msg *InboundMessage) {
	reply, ok := h.relay.HandleMessage(r.Context(), relay.InboundEvent{
		Platform:   "wechat",
		Key:        history.Key{ConversationID: msg.FromUserName},
		DeliveryID: msg.MsgID,
		Text:       msg.Content,
	})
	if !ok {
		// Duplicate delivery: acknowledge so the platform stops retrying.
		w.WriteHeader(http.StatusOK)
		return
	}

	h.writeReply(w, msg, shape.Shape(reply, shape.WeChatLimit))
}

func (h *Handler) handleLifecycleEvent(w http.ResponseWriter, msg *InboundMessage) {
	switch msg.Event {
	case EventSubscribe:
		h.log.Info("New WeChat follower", "user", msg.FromUserName)
		h.writeReply(w, msg, h.welcome)
	default:
		// Unsubscribe and everything else: bare acknowledgment.
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) writeReply(w http.ResponseWriter, msg *InboundMessage, content string) {
	out, err := NewTextReply(msg, content, h.now()).Marshal()
	if err != nil {
		h.log.Error("Failed to marshal WeChat reply", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(out)
}
