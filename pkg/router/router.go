// Package router serializes commands per bill id, loads entity state by
// replaying its event stream, applies the command through the pure entity
// and appends the resulting events with an expected-sequence check.
//
// The router is the only writer to the log on the command side. It performs
// no side effects; OCR, blob and mail traffic is driven by the reactive
// consumers tailing the log.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/billstream/billstream/pkg/bill"
	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/retry"
)

// Result reports a successfully executed command.
type Result struct {
	BillID       string
	NextSequence int64   // the entity's next unused sequence after the append
	Positions    []int64 // global positions of the appended events
}

// entry is one hot entity: its cached state and the per-entity command lock.
// Eviction under a waiting goroutine is harmless because the log's
// expected-sequence check remains the hard serialization guarantee.
type entry struct {
	mu    sync.Mutex
	state *bill.State
	next  int64 // next unused sequence; -1 means not loaded
}

// Router routes commands to bill entities.
type Router struct {
	log   eventlog.Log
	rules bill.Rules

	cacheMu sync.Mutex
	cache   *lru.Cache[string, *entry]

	conflictRetries int
	appendPolicy    retry.Policy
	backoff         retry.Policy

	poisonMu sync.Mutex
	poisoned map[string]error

	clock  func() time.Time
	logger *slog.Logger
	obs    *observability.Provider
}

// Option adjusts the router.
type Option func(*Router)

// WithClock substitutes the wall clock used for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

// WithCacheSize bounds the number of hot entity states kept in memory.
func WithCacheSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			cache, err := lru.New[string, *entry](n)
			if err == nil {
				r.cache = cache
			}
		}
	}
}

// WithConflictRetries bounds retries after a ConcurrencyConflict on append.
func WithConflictRetries(n int) Option {
	return func(r *Router) {
		if n >= 0 {
			r.conflictRetries = n
		}
	}
}

// WithAppendRetryPolicy bounds transient storage retries per append.
func WithAppendRetryPolicy(p retry.Policy) Option {
	return func(r *Router) { r.appendPolicy = p }
}

// WithObservability attaches the metrics provider.
func WithObservability(obs *observability.Provider) Option {
	return func(r *Router) { r.obs = obs }
}

const defaultCacheSize = 1024

// New builds a router over the given log.
func New(log eventlog.Log, rules bill.Rules, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *entry](defaultCacheSize)
	r := &Router{
		log:             log,
		rules:           rules,
		cache:           cache,
		conflictRetries: 3,
		appendPolicy:    retry.DefaultPolicy(),
		backoff: retry.Policy{
			Base:      25 * time.Millisecond,
			Cap:       500 * time.Millisecond,
			MaxJitter: 25 * time.Millisecond,
		},
		poisoned: make(map[string]error),
		clock:    time.Now,
		logger:   logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute applies one command. Commands against the same bill id are
// serialized; commands against different bills run concurrently. A CreateBill
// without an id receives a generated one.
func (r *Router) Execute(ctx context.Context, cmd bill.Command) (Result, error) {
	cmd = r.assignID(cmd)
	id := cmd.BillID()
	if id == "" {
		return Result{}, fault.BusinessRule(fault.ReasonBillAlreadyExists, "command carries no bill id")
	}

	ctx, done := r.obs.TrackOperation(ctx, "router.execute",
		attribute.String("command", cmd.Name()))
	res, err := r.execute(ctx, id, cmd)
	done(err)
	return res, err
}

func (r *Router) execute(ctx context.Context, id string, cmd bill.Command) (Result, error) {
	if err := r.poisonedErr(id); err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= r.conflictRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.backoff.Delay(attempt-1, id))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, fault.Cancelled("command abandoned while retrying a conflict")
			case <-timer.C:
			}
		}

		res, err := r.attempt(ctx, id, cmd)
		if err == nil {
			return res, nil
		}
		if !fault.IsKind(err, fault.KindConcurrencyConflict) {
			return Result{}, err
		}

		// The cache was stale: another process appended. Reload and retry.
		r.obs.ConflictObserved(ctx)
		r.invalidate(id)
		lastErr = err
	}

	r.logger.WarnContext(ctx, "command still contending after retries",
		"bill_id", id, "command", cmd.Name(), "retries", r.conflictRetries)
	return Result{}, lastErr
}

func (r *Router) attempt(ctx context.Context, id string, cmd bill.Command) (_ Result, err error) {
	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Fold failures are programming errors or corrupt streams; recover them
	// into a poisoned entity so the process survives but the id fails fast.
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.Internal(fmt.Sprintf("entity fold failed: %v", rec), nil)
			r.poison(id, err)
			r.invalidate(id)
		}
	}()

	if e.next < 0 {
		if err := r.load(ctx, id, e); err != nil {
			return Result{}, err
		}
	}

	events, err := r.rules.Decide(e.state, cmd, r.clock().UTC())
	if err != nil {
		return Result{}, err
	}

	envelopes := make([]eventlog.Envelope, 0, len(events))
	for _, ev := range events {
		kind, payload, err := bill.Encode(ev)
		if err != nil {
			return Result{}, err
		}
		envelopes = append(envelopes, eventlog.Envelope{Kind: kind, Payload: payload})
	}

	// Cancellation is honoured only up to this point: once the append starts
	// it runs to completion on a detached context so the log and the caller
	// never disagree about what happened.
	if err := ctx.Err(); err != nil {
		return Result{}, fault.Cancelled("command abandoned before append")
	}
	appendCtx := context.WithoutCancel(ctx)

	expected := e.next
	var positions []int64
	err = retry.Do(appendCtx, r.appendPolicy, id,
		func(err error) bool { return fault.IsKind(err, fault.KindTransient) },
		func(ctx context.Context) error {
			var appendErr error
			positions, appendErr = r.log.Append(ctx, id, expected, envelopes)
			return appendErr
		})
	if err != nil {
		return Result{}, err
	}

	for i, ev := range events {
		e.state = bill.Fold(e.state, ev, expected+int64(i))
	}
	e.next = expected + int64(len(events))

	r.obs.EventsAppended(ctx, len(events))
	r.logger.DebugContext(ctx, "command applied",
		"bill_id", id, "command", cmd.Name(),
		"events", len(events), "next_sequence", e.next)
	return Result{BillID: id, NextSequence: e.next, Positions: positions}, nil
}

// Inspect returns the entity's current state and next sequence, loading it if
// necessary. Reactive handlers use it for idempotency decisions so a lagging
// read model can never cause a mis-skip. The returned state must be treated
// as read-only.
func (r *Router) Inspect(ctx context.Context, id string) (_ *bill.State, _ int64, err error) {
	if err := r.poisonedErr(id); err != nil {
		return nil, 0, err
	}

	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fault.Internal(fmt.Sprintf("entity fold failed: %v", rec), nil)
			r.poison(id, err)
			r.invalidate(id)
		}
	}()

	if e.next < 0 {
		if err := r.load(ctx, id, e); err != nil {
			return nil, 0, err
		}
	}
	if e.state == nil {
		return nil, 0, fault.NotFound("bill " + id + " does not exist")
	}
	return e.state, e.next, nil
}

func (r *Router) load(ctx context.Context, id string, e *entry) error {
	events, err := r.log.ReadEntity(ctx, id, 0)
	if err != nil {
		return err
	}

	var state *bill.State
	for _, env := range events {
		ev, err := bill.Decode(env.Kind, env.Payload)
		if err != nil {
			r.poison(id, err)
			return err
		}
		state = bill.Fold(state, ev, env.Sequence)
	}
	e.state = state
	e.next = int64(len(events))
	return nil
}

func (r *Router) entryFor(id string) *entry {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if e, ok := r.cache.Get(id); ok {
		return e
	}
	e := &entry{next: -1}
	r.cache.Add(id, e)
	return e
}

func (r *Router) invalidate(id string) {
	r.cacheMu.Lock()
	r.cache.Remove(id)
	r.cacheMu.Unlock()
}

func (r *Router) assignID(cmd bill.Command) bill.Command {
	if create, ok := cmd.(bill.CreateBill); ok && create.ID == "" {
		create.ID = uuid.New().String()
		return create
	}
	return cmd
}

func (r *Router) poison(id string, cause error) {
	r.poisonMu.Lock()
	r.poisoned[id] = cause
	r.poisonMu.Unlock()
	r.logger.Error("entity poisoned", "bill_id", id, "cause", cause)
}

func (r *Router) poisonedErr(id string) error {
	r.poisonMu.Lock()
	cause, ok := r.poisoned[id]
	r.poisonMu.Unlock()
	if !ok {
		return nil
	}
	return fault.Internal("bill "+id+" is poisoned pending operator action", cause)
}

// Poisoned lists entity ids that failed fast with their triggering errors.
func (r *Router) Poisoned() map[string]error {
	r.poisonMu.Lock()
	defer r.poisonMu.Unlock()
	out := make(map[string]error, len(r.poisoned))
	for id, cause := range r.poisoned {
		out[id] = cause
	}
	return out
}

// Unpoison clears a poisoned entity after operator intervention.
func (r *Router) Unpoison(id string) {
	r.poisonMu.Lock()
	delete(r.poisoned, id)
	r.poisonMu.Unlock()
	r.invalidate(id)
}
