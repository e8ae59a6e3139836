package database

import (
	"time"
)

// Turn represents one stored conversation turn: a single user message or
// assistant reply under a conversation key. Insertion order matches
// chronological order; created_at is strictly increasing per key.
type Turn struct {
	ID        uint      `db:"id"`
	ConvKey   string    `db:"conv_key"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}
