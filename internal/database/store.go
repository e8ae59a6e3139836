package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for durable conversation history operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// AppendTurns inserts a user turn and the matching assistant turn for a
	// conversation key in a single transaction, with strictly increasing
	// created_at timestamps.
	AppendTurns(ctx context.Context, userTurn, assistantTurn *Turn) error

	// RecentTurns retrieves the most recent 'limit' turns for a conversation
	// key, returned in chronological order.
	RecentTurns(ctx context.Context, convKey string, limit int) ([]Turn, error)

	// TrimTurns deletes the oldest turns of a conversation key beyond 'keep'
	// and returns the number of rows removed.
	TrimTurns(ctx context.Context, convKey string, keep int) (int64, error)

	// ConversationKeys lists all distinct conversation keys. Used by the
	// maintenance sweep.
	ConversationKeys(ctx context.Context) ([]string, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendTurns inserts both halves of a turn pair atomically.
func (s *sqlxStore) AppendTurns(ctx context.Context, userTurn, assistantTurn *Turn) error {
	if userTurn == nil || assistantTurn == nil {
		return fmt.Errorf("cannot append nil turn")
	}
	if userTurn.ConvKey == "" {
		return fmt.Errorf("turn must have a non-empty conv_key")
	}
	if userTurn.ConvKey != assistantTurn.ConvKey {
		return fmt.Errorf("turn pair must share one conv_key")
	}

	now := time.Now().UTC()
	if userTurn.CreatedAt.IsZero() {
		userTurn.CreatedAt = now
	}
	if !assistantTurn.CreatedAt.After(userTurn.CreatedAt) {
		assistantTurn.CreatedAt = userTurn.CreatedAt.Add(time.Millisecond)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for appending turns",
			"conv_key", userTurn.ConvKey, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `
        INSERT INTO conversation_turns (conv_key, role, content, created_at)
        VALUES (:conv_key, :role, :content, :created_at);
    `

	for _, turn := range []*Turn{userTurn, assistantTurn} {
		result, err := tx.NamedExecContext(ctx, query, turn)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error appending turn",
				"conv_key", turn.ConvKey, "role", turn.Role, "error", err)
			return fmt.Errorf("failed to append %s turn for key %s: %w", turn.Role, turn.ConvKey, err)
		}
		if id, idErr := result.LastInsertId(); idErr == nil {
			//nolint:gosec // integer overflow conversion is acceptable here
			turn.ID = uint(id)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conv_key", userTurn.ConvKey, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Turn pair appended successfully", "conv_key", userTurn.ConvKey)
	return nil
}

// RecentTurns retrieves the most recent 'limit' turns for a conversation key.
func (s *sqlxStore) RecentTurns(ctx context.Context, convKey string, limit int) ([]Turn, error) {
	if convKey == "" {
		return nil, fmt.Errorf("conv_key cannot be empty")
	}
	if limit <= 0 {
		limit = 20
		s.logger.DebugContext(ctx, "Invalid limit provided, using default", "conv_key", convKey, "default_limit", limit)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var turns []Turn
	query := `
        SELECT id, conv_key, role, content, created_at
        FROM conversation_turns
        WHERE conv_key = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?;
    `

	err := s.db.SelectContext(ctx, &turns, query, convKey, limit)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching turns",
			"conv_key", convKey, "error", err)
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting recent turns", "conv_key", convKey, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to get recent turns for key %s: %w", convKey, err)
	}

	// Query returns newest first; flip to chronological order for the caller.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	s.logger.DebugContext(ctx, "Fetched recent turns successfully", "conv_key", convKey, "count", len(turns))
	return turns, nil
}

// TrimTurns deletes the oldest turns of a conversation key beyond 'keep'.
func (s *sqlxStore) TrimTurns(ctx context.Context, convKey string, keep int) (int64, error) {
	if convKey == "" {
		return 0, fmt.Errorf("conv_key cannot be empty")
	}
	if keep < 0 {
		keep = 0
	}

	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM conversation_turns WHERE conv_key = ?`, convKey); err != nil {
		s.logger.ErrorContext(ctx, "Error counting turns for trim", "conv_key", convKey, "error", err)
		return 0, fmt.Errorf("failed to count turns for key %s: %w", convKey, err)
	}
	if count <= keep {
		return 0, nil
	}

	excess := count - keep
	query := `
        DELETE FROM conversation_turns
        WHERE conv_key = ? AND id IN (
            SELECT id FROM conversation_turns
            WHERE conv_key = ?
            ORDER BY created_at ASC, id ASC
            LIMIT ?
        );
    `

	result, err := s.db.ExecContext(ctx, query, convKey, convKey, excess)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error trimming old turns", "conv_key", convKey, "error", err)
		return 0, fmt.Errorf("failed to trim turns for key %s: %w", convKey, err)
	}

	affected, _ := result.RowsAffected()
	s.logger.InfoContext(ctx, "Trimmed old turns", "conv_key", convKey, "deleted", affected, "kept", keep)
	return affected, nil
}

// ConversationKeys lists all distinct conversation keys.
func (s *sqlxStore) ConversationKeys(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var keys []string
	err := s.db.SelectContext(ctx, &keys, `SELECT DISTINCT conv_key FROM conversation_turns`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing conversation keys", "error", err)
		return nil, fmt.Errorf("failed to list conversation keys: %w", err)
	}
	return keys, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	}

	return nil
}
