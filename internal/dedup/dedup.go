// Package dedup suppresses re-processing of webhook deliveries retried by a
// platform. Both WeChat and Feishu deliver at-least-once and may repeat a
// delivery for several seconds after a slow or failed acknowledgment; replying
// to each repeat would send the user duplicate messages.
package dedup

import (
	"io"
	"log/slog"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/cache"
)

// DefaultTTL is how long a delivery id is remembered. Platform retry storms
// settle well within a minute.
const DefaultTTL = time.Minute

// Deduplicator records delivery ids for a fixed window and reports whether a
// delivery should be processed. Safe for concurrent use.
type Deduplicator struct {
	seen *cache.Cache[time.Time]
	ttl  time.Duration
	now  func() time.Time
	log  *slog.Logger
}

// New creates a deduplicator with the given TTL. A non-positive TTL falls
// back to DefaultTTL.
func New(ttl time.Duration, log *slog.Logger) *Deduplicator {
	return NewWithClock(ttl, log, time.Now)
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(ttl time.Duration, log *slog.Logger, now func() time.Time) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deduplicator{
		seen: cache.NewWithClock[time.Time](now),
		ttl:  ttl,
		now:  now,
		log:  log.With("component", "dedup"),
	}
}

// ShouldProcess reports whether the delivery identified by deliveryID should
// be handled, recording it as seen. An empty id cannot be deduplicated and is
// always processed. A repeated id within the TTL window returns false; the
// caller still acknowledges the webhook but sends no reply.
func (d *Deduplicator) ShouldProcess(deliveryID string) bool {
	if deliveryID == "" {
		return true
	}
	if firstSeen, ok := d.seen.Get(deliveryID); ok {
		d.log.Info("Duplicate delivery suppressed",
			"delivery_id", deliveryID,
			"first_seen", firstSeen)
		return false
	}
	d.seen.Set(deliveryID, d.now(), d.ttl)
	return true
}
