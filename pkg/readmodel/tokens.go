package readmodel

import (
	"context"
	"database/sql"
	"time"
)

// TokenStore tracks each named consumer's last processed log position. The
// token advance always rides in the same transaction as the consumer's
// read-model writes; that pairing is what makes crash recovery gapless.
type TokenStore struct {
	db    *DB
	clock func() time.Time
}

// NewTokenStore builds a store over the read-model database.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db, clock: time.Now}
}

// Position returns the consumer's last processed position, 0 when unknown.
func (s *TokenStore) Position(ctx context.Context, q Querier, consumer string) (int64, error) {
	var position int64
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT position FROM projection_tokens WHERE consumer = ?`), consumer).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classifyErr(err)
	}
	return position, nil
}

// Advance moves the consumer's token to position.
func (s *TokenStore) Advance(ctx context.Context, q Querier, consumer string, position int64) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projection_tokens (consumer, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`),
		consumer, position, FormatTime(s.clock()))
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// Reset moves the consumer's token back to zero for a replay.
func (s *TokenStore) Reset(ctx context.Context, q Querier, consumer string) error {
	return s.Advance(ctx, q, consumer, 0)
}
