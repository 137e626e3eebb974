package readmodel

import (
	"context"
	"time"
)

// DeadLetter records an event a consumer failed to process within its retry
// budget. The consumer's token advances past it, so the letter is the only
// remaining trace and carries everything needed for a manual replay.
type DeadLetter struct {
	Consumer  string
	Position  int64
	EntityID  string
	Kind      string
	Payload   string
	Failure   string
	Attempts  int
	CreatedAt time.Time
}

// DeadLetterStore writes and reads dead_letters rows.
type DeadLetterStore struct {
	db *DB
}

// NewDeadLetterStore builds a store over the read-model database.
func NewDeadLetterStore(db *DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Record stores one dead letter. Keyed (consumer, position) with DO NOTHING,
// so re-dead-lettering after a crash between record and token commit is
// idempotent.
func (s *DeadLetterStore) Record(ctx context.Context, q Querier, d DeadLetter) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO dead_letters (consumer, position, entity_id, kind, payload, failure, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (consumer, position) DO NOTHING`),
		d.Consumer, d.Position, d.EntityID, d.Kind, d.Payload, d.Failure,
		d.Attempts, FormatTime(d.CreatedAt))
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// List returns a consumer's dead letters in position order; an empty
// consumer name lists all.
func (s *DeadLetterStore) List(ctx context.Context, q Querier, consumer string) ([]DeadLetter, error) {
	query := `SELECT consumer, position, entity_id, kind, payload, failure, attempts, created_at
		FROM dead_letters`
	args := []any{}
	if consumer != "" {
		query += ` WHERE consumer = ?`
		args = append(args, consumer)
	}
	query += ` ORDER BY position`

	rows, err := q.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var createdAt string
		if err := rows.Scan(&d.Consumer, &d.Position, &d.EntityID, &d.Kind,
			&d.Payload, &d.Failure, &d.Attempts, &createdAt); err != nil {
			return nil, classifyErr(err)
		}
		d.CreatedAt = ParseTime(createdAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}
