package feishu

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/relay"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
	"github.com/Zbun/wechat-gpt-relay/internal/shape"
)

const unsupportedReply = "目前只支持文本消息"

// Handler serves the bot webhook endpoint. All deliveries are POSTs; replies
// go out through the Sender, the HTTP response only acknowledges receipt.
type Handler struct {
	relay             *relay.Service
	sender            *Sender
	encryptSecret     string
	verificationToken string
	log               *slog.Logger
}

// NewHandler creates the webhook handler. encryptSecret keys the delivery
// signature; verificationToken is the static token carried in event headers.
// Either may be empty to skip its check.
func NewHandler(relaySvc *relay.Service, sender *Sender, encryptSecret, verificationToken string, log *slog.Logger) *Handler {
	return &Handler{
		relay:             relaySvc,
		sender:            sender,
		encryptSecret:     encryptSecret,
		verificationToken: verificationToken,
		log:               log.With("component", "feishu"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.log.Error("Failed to parse Feishu envelope", "error", err)
		http.Error(w, relayerr.ErrParse.Error(), http.StatusBadRequest)
		return
	}

	// Registration challenge precedes signature setup, so it is answered
	// before any verification.
	if env.Challenge != "" {
		writeJSON(w, map[string]string{"challenge": env.Challenge})
		return
	}

	if !ValidateSignature(h.encryptSecret, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature)) {
		h.log.Warn("Feishu signature mismatch")
		http.Error(w, relayerr.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}
	if !ValidateToken(h.verificationToken, env.Header.Token) {
		h.log.Warn("Feishu verification token mismatch")
		http.Error(w, relayerr.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}

	if env.Header.EventType == EventMessageReceive {
		h.handleMessage(w, r, &env)
		return
	}

	h.log.Debug("Ignoring Feishu event", "event_type", env.Header.EventType)
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, env *Envelope) {
	msg := env.Event.Message

	if msg.MessageType != "text" {
		h.log.Debug("Unsupported Feishu message type", "message_type", msg.MessageType)
		h.reply(r, msg.ChatID, unsupportedReply)
		writeJSON(w, map[string]bool{"ok": true})
		return
	}

	text, err := msg.TextContent()
	if err != nil {
		h.log.Error("Failed to parse Feishu message content", "error", err)
		http.Error(w, relayerr.ErrParse.Error(), http.StatusBadRequest)
		return
	}

	key := history.Key{ConversationID: msg.ChatID}
	if msg.ChatType == ChatTypeGroup {
		// Each participant keeps an independent history in a shared chat.
		key.UserID = env.Event.Sender.SenderID.OpenID
	}

	reply, ok := h.relay.HandleMessage(r.Context(), relay.InboundEvent{
		Platform:   "feishu",
		Key:        key,
		DeliveryID: msg.MessageID,
		Text:       text,
	})
	if ok {
		h.reply(r, msg.ChatID, shape.Shape(reply, shape.FeishuLimit))
	}

	writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) reply(r *http.Request, chatID, text string) {
	if err := h.sender.SendText(r.Context(), chatID, text); err != nil {
		h.log.Error("Failed to send Feishu reply", "chat_id", chatID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
