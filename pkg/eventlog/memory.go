package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billstream/billstream/pkg/canonical"
	"github.com/billstream/billstream/pkg/fault"
)

// MemoryLog keeps the full log in process memory. Semantics match the SQL
// implementations; it backs tests and doctor dry-runs.
type MemoryLog struct {
	mu       sync.Mutex
	all      []Envelope
	byEntity map[string][]int // indexes into all, in sequence order

	waker *waker
	clock func() time.Time
	poll  time.Duration
}

// NewMemoryLog builds an empty in-memory log.
func NewMemoryLog(opts ...Option) *MemoryLog {
	o := buildOptions(opts)
	return &MemoryLog{
		byEntity: make(map[string][]int),
		waker:    newWaker(),
		clock:    o.clock,
		poll:     o.pollInterval,
	}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, entityID string, expectedNextSequence int64, events []Envelope) ([]int64, error) {
	if err := validateAppend(entityID, expectedNextSequence, events); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Cancelled("append abandoned before write")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.byEntity[entityID]
	next := int64(len(existing))
	if next != expectedNextSequence {
		return nil, fault.Conflict("expected next sequence does not match the stream")
	}

	lastTS := time.Time{}
	if len(existing) > 0 {
		lastTS = l.all[existing[len(existing)-1]].Timestamp
	}

	positions := make([]int64, 0, len(events))
	for i, env := range events {
		hash, err := canonical.Hash(env.Payload)
		if err != nil {
			return nil, fault.Internal("event payload is not valid JSON", err)
		}
		lastTS = nextTimestamp(l.clock, lastTS)

		env.EntityID = entityID
		env.Sequence = expectedNextSequence + int64(i)
		env.Position = int64(len(l.all)) + 1
		env.Timestamp = lastTS
		env.EventID = uuid.New().String()
		env.PayloadHash = hash

		l.byEntity[entityID] = append(l.byEntity[entityID], len(l.all))
		l.all = append(l.all, env)
		positions = append(positions, env.Position)
	}

	l.waker.wake()
	return positions, nil
}

// ReadEntity implements Log.
func (l *MemoryLog) ReadEntity(_ context.Context, entityID string, fromSequence int64) ([]Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Envelope
	for _, idx := range l.byEntity[entityID] {
		if env := l.all[idx]; env.Sequence >= fromSequence {
			out = append(out, env)
		}
	}
	return out, nil
}

// ReadGlobal implements Log.
func (l *MemoryLog) ReadGlobal(_ context.Context, fromPosition int64, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Envelope
	for _, env := range l.all {
		if env.Position <= fromPosition {
			continue
		}
		out = append(out, env)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SubscribeGlobal implements Log.
func (l *MemoryLog) SubscribeGlobal(_ context.Context, consumer string, fromPosition int64) *Subscription {
	return newSubscription(l, consumer, fromPosition, l.waker, l.poll)
}

// CurrentPosition implements Log.
func (l *MemoryLog) CurrentPosition(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.all)), nil
}
