package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/billstream/billstream/pkg/canonical"
	"github.com/billstream/billstream/pkg/fault"
)

const postgresLogSchema = `
CREATE TABLE IF NOT EXISTS bill_events (
	entity_id    TEXT NOT NULL,
	sequence     BIGINT NOT NULL,
	position     BIGINT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	event_id     TEXT NOT NULL UNIQUE,
	recorded_at  TEXT NOT NULL,
	PRIMARY KEY (entity_id, sequence)
);
`

// appendLockKey serializes position assignment across processes. Without it,
// two appends could commit out of position order and a poller reading past
// the later position would permanently skip the earlier event.
const appendLockKey = int64(0x62696c6c731074)

// PostgresLog persists the log in PostgreSQL via lib/pq.
type PostgresLog struct {
	db    *sql.DB
	waker *waker
	clock func() time.Time
	poll  time.Duration
}

// NewPostgresLog wraps an open database handle.
func NewPostgresLog(db *sql.DB, opts ...Option) *PostgresLog {
	o := buildOptions(opts)
	return &PostgresLog{
		db:    db,
		waker: newWaker(),
		clock: o.clock,
		poll:  o.pollInterval,
	}
}

// Init creates the schema if it does not exist.
func (l *PostgresLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, postgresLogSchema); err != nil {
		return fault.Transient("event log schema init failed", err)
	}
	return nil
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, entityID string, expectedNextSequence int64, events []Envelope) ([]int64, error) {
	if err := validateAppend(entityID, expectedNextSequence, events); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Cancelled("append abandoned before write")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Transient("event log transaction begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, classifyPostgresErr(err)
	}

	var next int64
	var lastRecorded string
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(recorded_at), '') FROM bill_events WHERE entity_id = $1`,
		entityID).Scan(&next, &lastRecorded)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	if next != expectedNextSequence {
		return nil, fault.Conflict("expected next sequence does not match the stream")
	}

	var position int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM bill_events`).Scan(&position); err != nil {
		return nil, classifyPostgresErr(err)
	}

	lastTS := parseRecordedAt(lastRecorded)
	positions := make([]int64, 0, len(events))
	for i, env := range events {
		hash, err := canonical.Hash(env.Payload)
		if err != nil {
			return nil, fault.Internal("event payload is not valid JSON", err)
		}
		lastTS = nextTimestamp(l.clock, lastTS)
		position++

		_, err = tx.ExecContext(ctx,
			`INSERT INTO bill_events (entity_id, sequence, position, kind, payload, payload_hash, event_id, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entityID,
			expectedNextSequence+int64(i),
			position,
			env.Kind,
			string(env.Payload),
			hash,
			uuid.New().String(),
			lastTS.Format(recordedAtLayout),
		)
		if err != nil {
			return nil, classifyPostgresErr(err)
		}
		positions = append(positions, position)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyPostgresErr(err)
	}
	l.waker.wake()
	return positions, nil
}

// ReadEntity implements Log.
func (l *PostgresLog) ReadEntity(ctx context.Context, entityID string, fromSequence int64) ([]Envelope, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity_id, sequence, position, kind, payload, payload_hash, event_id, recorded_at
		 FROM bill_events WHERE entity_id = $1 AND sequence >= $2 ORDER BY sequence`,
		entityID, fromSequence)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	return scanEnvelopes(rows)
}

// ReadGlobal implements Log.
func (l *PostgresLog) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity_id, sequence, position, kind, payload, payload_hash, event_id, recorded_at
		 FROM bill_events WHERE position > $1 ORDER BY position LIMIT $2`,
		fromPosition, limit)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	return scanEnvelopes(rows)
}

// SubscribeGlobal implements Log.
func (l *PostgresLog) SubscribeGlobal(_ context.Context, consumer string, fromPosition int64) *Subscription {
	return newSubscription(l, consumer, fromPosition, l.waker, l.poll)
}

// CurrentPosition implements Log.
func (l *PostgresLog) CurrentPosition(ctx context.Context) (int64, error) {
	var position int64
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM bill_events`).Scan(&position); err != nil {
		return 0, classifyPostgresErr(err)
	}
	return position, nil
}

func classifyPostgresErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fault.Conflict("concurrent append won the sequence")
	}
	return fault.Transient("event log storage unavailable", err)
}
