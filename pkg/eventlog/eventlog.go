// Package eventlog provides the append-only, per-entity-ordered durable log
// of domain events. Appends are the serialization point for an entity: an
// expected-next-sequence check rejects writes based on stale state. Every
// event additionally receives a strictly increasing global position, and
// subscribers observe events in position order exactly once.
//
// Three implementations share the same semantics: MemoryLog (tests and
// dry-runs), SQLiteLog (lite mode) and PostgresLog.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// Envelope is one durable event. Kind, EntityID and Payload are supplied by
// the appender; Sequence, Position, Timestamp, EventID and PayloadHash are
// assigned by the log. The JSON form is the wire format; EventID and
// PayloadHash are storage-level integrity fields and stay off the wire.
type Envelope struct {
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entityId"`
	Sequence  int64           `json:"sequence"`
	Position  int64           `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	EventID     string `json:"-"`
	PayloadHash string `json:"-"`
}

// Log is the storage contract for the event-sourced core.
//
// Append persists events for one entity if and only if expectedNextSequence
// equals the entity's next unused sequence number; otherwise it fails with a
// concurrency conflict and writes nothing. Returned positions correspond to
// the input events in order. Subscribers never observe an event before its
// Append call has returned.
//
// ReadEntity returns an entity's events with sequence >= fromSequence in
// sequence order. ReadGlobal returns up to limit events with position >
// fromPosition in position order. CurrentPosition reports the highest
// assigned position (0 when empty). SubscribeGlobal yields every event with
// position > fromPosition exactly once, in position order, blocking until
// more arrive.
type Log interface {
	Append(ctx context.Context, entityID string, expectedNextSequence int64, events []Envelope) ([]int64, error)
	ReadEntity(ctx context.Context, entityID string, fromSequence int64) ([]Envelope, error)
	ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]Envelope, error)
	SubscribeGlobal(ctx context.Context, consumer string, fromPosition int64) *Subscription
	CurrentPosition(ctx context.Context) (int64, error)
}

const defaultReadLimit = 256

// recordedAtLayout is fixed-width UTC so stored timestamps order
// lexicographically the same as chronologically.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

type options struct {
	clock        func() time.Time
	pollInterval time.Duration
}

// Option adjusts a log implementation.
type Option func(*options)

// WithClock substitutes the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithPollInterval sets how often subscribers re-check storage when no
// in-process append has woken them (cross-process writers).
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:        time.Now,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateAppend(entityID string, expectedNextSequence int64, events []Envelope) error {
	if entityID == "" {
		return fault.Internal("append requires an entity id", nil)
	}
	if expectedNextSequence < 0 {
		return fault.Internal("expected sequence must not be negative", nil)
	}
	if len(events) == 0 {
		return fault.Internal("append requires at least one event", nil)
	}
	for i := range events {
		if events[i].Kind == "" {
			return fault.Internal("event kind must not be empty", nil)
		}
		if len(events[i].Payload) == 0 {
			return fault.Internal("event payload must not be empty", nil)
		}
		if events[i].EntityID != "" && events[i].EntityID != entityID {
			return fault.Internal("event entity id does not match append target", nil)
		}
	}
	return nil
}

// nextTimestamp keeps per-entity timestamps strictly increasing even when the
// wall clock stalls or steps backwards.
func nextTimestamp(clock func() time.Time, last time.Time) time.Time {
	now := clock().UTC()
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
