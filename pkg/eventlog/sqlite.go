package eventlog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/billstream/billstream/pkg/canonical"
	"github.com/billstream/billstream/pkg/fault"
)

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS bill_events (
	entity_id    TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	position     INTEGER NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	event_id     TEXT NOT NULL UNIQUE,
	recorded_at  TEXT NOT NULL,
	PRIMARY KEY (entity_id, sequence)
);
`

// SQLiteLog persists the log in a modernc.org/sqlite database. Open the DSN
// with _txlock=immediate (and WAL) so concurrent appenders queue on the write
// lock instead of failing mid-transaction.
type SQLiteLog struct {
	db    *sql.DB
	waker *waker
	clock func() time.Time
	poll  time.Duration
}

// NewSQLiteLog wraps an open database handle.
func NewSQLiteLog(db *sql.DB, opts ...Option) *SQLiteLog {
	o := buildOptions(opts)
	return &SQLiteLog{
		db:    db,
		waker: newWaker(),
		clock: o.clock,
		poll:  o.pollInterval,
	}
}

// Init creates the schema if it does not exist.
func (l *SQLiteLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, sqliteLogSchema); err != nil {
		return fault.Transient("event log schema init failed", err)
	}
	return nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, entityID string, expectedNextSequence int64, events []Envelope) ([]int64, error) {
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

	var next int64
	var lastRecorded string
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(recorded_at), '') FROM bill_events WHERE entity_id = ?`,
		entityID).Scan(&next, &lastRecorded)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	if next != expectedNextSequence {
		return nil, fault.Conflict("expected next sequence does not match the stream")
	}

	var position int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM bill_events`).Scan(&position); err != nil {
		return nil, classifySQLiteErr(err)
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
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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
			return nil, classifySQLiteErr(err)
		}
		positions = append(positions, position)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLiteErr(err)
	}
	l.waker.wake()
	return positions, nil
}

// ReadEntity implements Log.
func (l *SQLiteLog) ReadEntity(ctx context.Context, entityID string, fromSequence int64) ([]Envelope, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity_id, sequence, position, kind, payload, payload_hash, event_id, recorded_at
		 FROM bill_events WHERE entity_id = ? AND sequence >= ? ORDER BY sequence`,
		entityID, fromSequence)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	return scanEnvelopes(rows)
}

// ReadGlobal implements Log.
func (l *SQLiteLog) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entity_id, sequence, position, kind, payload, payload_hash, event_id, recorded_at
		 FROM bill_events WHERE position > ? ORDER BY position LIMIT ?`,
		fromPosition, limit)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	return scanEnvelopes(rows)
}

// SubscribeGlobal implements Log.
func (l *SQLiteLog) SubscribeGlobal(_ context.Context, consumer string, fromPosition int64) *Subscription {
	return newSubscription(l, consumer, fromPosition, l.waker, l.poll)
}

// CurrentPosition implements Log.
func (l *SQLiteLog) CurrentPosition(ctx context.Context) (int64, error) {
	var position int64
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM bill_events`).Scan(&position); err != nil {
		return 0, classifySQLiteErr(err)
	}
	return position, nil
}

// classifySQLiteErr maps driver failures onto the taxonomy: constraint
// violations mean a concurrent append won, anything else is retryable
// storage unavailability.
func classifySQLiteErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") {
		return fault.Conflict("concurrent append won the sequence")
	}
	return fault.Transient("event log storage unavailable", err)
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var env Envelope
		var payload, recordedAt string
		if err := rows.Scan(&env.EntityID, &env.Sequence, &env.Position, &env.Kind,
			&payload, &env.PayloadHash, &env.EventID, &recordedAt); err != nil {
			return nil, fault.Transient("event log row scan failed", err)
		}
		env.Payload = []byte(payload)
		env.Timestamp = parseRecordedAt(recordedAt)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("event log read failed", err)
	}
	return out, nil
}

func parseRecordedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(recordedAtLayout, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return time.Time{}
}
