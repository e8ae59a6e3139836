// Package history maintains the bounded per-conversation message history the
// relay feeds back to the language-model backend. It layers a process-local
// fast tier (recently active conversations answer without any I/O) over an
// optional durable tier; the durable tier is strictly best-effort and its
// unavailability degrades to an empty history rather than failing the turn.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zbun/wechat-gpt-relay/internal/cache"
	"github.com/Zbun/wechat-gpt-relay/internal/database"
	"github.com/Zbun/wechat-gpt-relay/internal/relayerr"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Defaults mirroring the configuration surface.
const (
	DefaultFastTTL        = 10 * time.Minute
	DefaultContextWindow  = 4
	DefaultMaxStoredTurns = 1000

	durableWriteTimeout = 10 * time.Second
	maxPendingWrites    = 8
)

// Turn is one conversation turn held in memory.
type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Key identifies one conversation history bucket. Provider is part of the key
// so switching backends never replays another backend's transcript. UserID is
// set for group-capable chats, giving each participant an independent history
// inside a shared conversation.
type Key struct {
	Platform       string
	Provider       string
	ConversationID string
	UserID         string
}

// String returns the canonical storage key.
func (k Key) String() string {
	if k.UserID == "" {
		return fmt.Sprintf("%s:%s:%s", k.Platform, k.Provider, k.ConversationID)
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Platform, k.Provider, k.ConversationID, k.UserID)
}

// Options tune a Store. Zero values fall back to the defaults above.
type Options struct {
	FastTTL        time.Duration
	ContextWindow  int // turn pairs included when assembling a prompt
	MaxStoredTurns int // durable retention cap per key
}

// Store is the two-tier conversation history store. Safe for concurrent use.
type Store struct {
	fast    *cache.Cache[[]Turn]
	durable database.Store // nil when no durable tier is configured
	log     *slog.Logger

	fastTTL   time.Duration
	window    int
	maxStored int

	writes *errgroup.Group
	now    func() time.Time
}

// NewStore creates a conversation store. durable may be nil, in which case
// only the fast tier is used and history survives no longer than its TTL.
func NewStore(durable database.Store, opts Options, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.FastTTL <= 0 {
		opts.FastTTL = DefaultFastTTL
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.MaxStoredTurns <= 0 {
		opts.MaxStoredTurns = DefaultMaxStoredTurns
	}

	writes := &errgroup.Group{}
	writes.SetLimit(maxPendingWrites)

	return &Store{
		fast:      cache.New[[]Turn](),
		durable:   durable,
		log:       log.With("component", "history"),
		fastTTL:   opts.FastTTL,
		window:    opts.ContextWindow,
		maxStored: opts.MaxStoredTurns,
		writes:    writes,
		now:       time.Now,
	}
}

// Load returns up to the configured context window of turn pairs for key, in
// chronological order. It never fails: a cold fast tier consults the durable
// tier when present, and any durable error degrades to an empty history.
func (s *Store) Load(ctx context.Context, key Key) []Turn {
	if turns, ok := s.fast.Get(key.String()); ok {
		return clipWindow(turns, s.window)
	}

	var turns []Turn
	if s.durable != nil {
		stored, err := s.durable.RecentTurns(ctx, key.String(), s.window*2)
		if err != nil {
			s.log.WarnContext(ctx, "Durable history unavailable, continuing without context",
				"conv_key", key.String(), "error", fmt.Errorf("%w: %v", relayerr.ErrStore, err))
		} else {
			for _, t := range stored {
				turns = append(turns, Turn{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt})
			}
		}
	}

	// Warm the fast tier even with an empty result so Append sees a
	// consistent base and repeated cold misses stop hitting the database.
	// A concurrent Append may have populated the key since the miss above;
	// its turns are newer than the durable snapshot and win.
	s.fast.Update(key.String(), s.fastTTL, func(current []Turn, ok bool) []Turn {
		if ok {
			turns = current
			return current
		}
		return turns
	})
	return clipWindow(turns, s.window)
}

// Append records a completed turn pair. The fast tier is updated
// synchronously; the durable write is dispatched as a background work item so
// the reply never waits on persistence. When the background queue is
// saturated the write is dropped with a logged failure.
func (s *Store) Append(ctx context.Context, key Key, userText, assistantText string) {
	now := s.now().UTC()
	userTurn := Turn{Role: RoleUser, Content: userText, CreatedAt: now}
	assistantTurn := Turn{Role: RoleAssistant, Content: assistantText, CreatedAt: now.Add(time.Millisecond)}

	// Cached slices are treated as immutable: the update builds a fresh slice
	// rather than appending in place, so Load results never alias a buffer a
	// concurrent Append is writing to.
	s.fast.Update(key.String(), s.fastTTL, func(old []Turn, _ bool) []Turn {
		turns := make([]Turn, 0, len(old)+2)
		turns = append(turns, old...)
		turns = append(turns, userTurn, assistantTurn)
		if max := s.window * 2; len(turns) > max {
			turns = turns[len(turns)-max:]
		}
		return turns
	})

	if s.durable == nil {
		return
	}

	convKey := key.String()
	scheduled := s.writes.TryGo(func() error {
		writeCtx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
		defer cancel()

		err := s.durable.AppendTurns(writeCtx,
			&database.Turn{ConvKey: convKey, Role: userTurn.Role, Content: userTurn.Content, CreatedAt: userTurn.CreatedAt},
			&database.Turn{ConvKey: convKey, Role: assistantTurn.Role, Content: assistantTurn.Content, CreatedAt: assistantTurn.CreatedAt},
		)
		if err != nil {
			s.log.Warn("Durable history write failed", "conv_key", convKey,
				"error", fmt.Errorf("%w: %v", relayerr.ErrStore, err))
			return nil
		}
		if _, err := s.durable.TrimTurns(writeCtx, convKey, s.maxStored); err != nil {
			s.log.Warn("Durable history trim failed", "conv_key", convKey,
				"error", fmt.Errorf("%w: %v", relayerr.ErrStore, err))
		}
		return nil
	})
	if !scheduled {
		s.log.WarnContext(ctx, "Durable write queue saturated, dropping history write",
			"conv_key", convKey)
	}
}

// Close waits for in-flight durable writes to finish. Call during shutdown.
func (s *Store) Close() error {
	return s.writes.Wait()
}

// clipWindow returns at most the newest 'window' pairs, preserving order.
func clipWindow(turns []Turn, window int) []Turn {
	if max := window * 2; len(turns) > max {
		return turns[len(turns)-max:]
	}
	return turns
}
