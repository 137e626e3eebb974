// Package readmodel owns the derivable query-side tables: bill_summary,
// bill_files, projection_tokens and dead_letters. Statements are written once
// with ? placeholders and rebound per dialect, so the same stores run on the
// lite-mode SQLite database and on Postgres.
//
// All writes go through the owning projection consumer inside a transaction
// that also advances the consumer's tracking token; the package exposes a
// Querier so the same statements run against *sql.DB and *sql.Tx.
package readmodel

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// Dialect selects placeholder style and schema variant.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width UTC so stored timestamps order lexicographically
// the same as chronologically, which keeps date-window filters plain string
// comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the stored text form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp; zero time on empty or unknown input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the read-model database handle with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// NewDB wraps an open handle.
func NewDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

// Dialect returns the configured dialect.
func (d *DB) Dialect() Dialect { return d.dialect }

// Rebind converts ? placeholders to the dialect's form.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS bill_summary (
	bill_id             TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	total_minor         BIGINT NOT NULL,
	status              TEXT NOT NULL,
	created_by          TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	metadata            TEXT NOT NULL DEFAULT '{}',
	file_count          BIGINT NOT NULL DEFAULT 0,
	ocr_text            TEXT,
	ocr_total_minor     BIGINT,
	ocr_title           TEXT,
	ocr_confidence      TEXT,
	ocr_processing_time TEXT,
	ocr_completed_at    TEXT,
	ocr_seq             BIGINT NOT NULL DEFAULT -1,
	approver_id         TEXT,
	decision            TEXT,
	approval_reason     TEXT,
	decided_at          TEXT,
	updated_position    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bill_files (
	bill_id      TEXT NOT NULL,
	file_id      TEXT NOT NULL,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes   BIGINT NOT NULL,
	storage_key  TEXT NOT NULL,
	checksum     TEXT NOT NULL DEFAULT '',
	attached_at  TEXT NOT NULL,
	position     BIGINT NOT NULL,
	PRIMARY KEY (bill_id, file_id)
);

CREATE TABLE IF NOT EXISTS projection_tokens (
	consumer   TEXT PRIMARY KEY,
	position   BIGINT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	consumer   TEXT NOT NULL,
	position   BIGINT NOT NULL,
	entity_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	failure    TEXT NOT NULL,
	attempts   BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (consumer, position)
);

CREATE INDEX IF NOT EXISTS idx_bill_summary_status ON bill_summary (status);
CREATE INDEX IF NOT EXISTS idx_bill_summary_created_at ON bill_summary (created_at);
CREATE INDEX IF NOT EXISTS idx_bill_files_bill ON bill_files (bill_id);
`

// Init creates the read-model schema if it does not exist.
func (d *DB) Init(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fault.Transient("read model schema init failed", err)
	}
	return nil
}

func classifyErr(err error) error {
	return fault.Transient("read model storage unavailable", err)
}
