// Package projection drives read-model consumers off the global event log.
// Each consumer is a Handler paired with a Runner; the Runner pulls events in
// order, applies them inside a transaction that also advances the consumer's
// tracking token, and dead-letters events that exhaust their retry budget so
// one poisoned event cannot stall the stream.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/billstream/billstream/pkg/eventlog"
	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/observability"
	"github.com/billstream/billstream/pkg/readmodel"
	"github.com/billstream/billstream/pkg/retry"
)

// Handler applies one event to a read model. Handle runs inside the Runner's
// transaction; everything it writes commits atomically with the token
// advance. Handlers must be idempotent under re-delivery because a crash
// between apply and commit replays the event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, tx readmodel.Querier, env eventlog.Envelope) error
	Truncate(ctx context.Context, tx readmodel.Querier) error
}

const (
	defaultBatchSize    = 64
	defaultPoisonBudget = 5
)

// Runner owns one consumer's delivery loop.
type Runner struct {
	log     eventlog.Log
	db      *readmodel.DB
	tokens  *readmodel.TokenStore
	letters *readmodel.DeadLetterStore
	handler Handler

	batchSize    int
	poisonBudget int
	backoff      retry.Policy
	clock        func() time.Time
	logger       *slog.Logger
	obs          *observability.Provider
}

// RunnerOption adjusts Runner construction.
type RunnerOption func(*Runner)

// WithBatchSize caps how many events commit in one transaction.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPoisonBudget sets how many delivery attempts an event gets before it
// is dead-lettered.
func WithPoisonBudget(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.poisonBudget = n
		}
	}
}

// WithBackoff overrides the delay policy between delivery attempts.
func WithBackoff(p retry.Policy) RunnerOption {
	return func(r *Runner) { r.backoff = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// WithObservability attaches metrics.
func WithObservability(obs *observability.Provider) RunnerOption {
	return func(r *Runner) { r.obs = obs }
}

// NewRunner builds a delivery loop for one handler.
func NewRunner(log eventlog.Log, db *readmodel.DB, handler Handler, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		log:          log,
		db:           db,
		tokens:       readmodel.NewTokenStore(db),
		letters:      readmodel.NewDeadLetterStore(db),
		handler:      handler,
		batchSize:    defaultBatchSize,
		poisonBudget: defaultPoisonBudget,
		backoff:      retry.DefaultPolicy(),
		clock:        time.Now,
		logger:       logger.With("consumer", handler.Name()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Position returns the consumer's committed token.
func (r *Runner) Position(ctx context.Context) (int64, error) {
	return r.tokens.Position(ctx, r.db, r.handler.Name())
}

// Run delivers events until the context ends. It always resumes from the
// committed token, so a crashed or failed delivery is retried from the last
// durable position.
func (r *Runner) Run(ctx context.Context) error {
	for {
		pos, err := r.Position(ctx)
		if err != nil {
			if !r.pause(ctx, err) {
				return ctx.Err()
			}
			continue
		}

		sub := r.log.SubscribeGlobal(ctx, r.handler.Name(), pos)
		for {
			env, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !r.pause(ctx, err) {
					return ctx.Err()
				}
				continue
			}

			batch := r.fill(ctx, sub, env)
			if err := r.deliver(ctx, batch); err != nil {
				// Storage trouble. Drop the subscription and restart
				// from the committed token.
				if !r.pause(ctx, err) {
					return ctx.Err()
				}
				break
			}
		}
	}
}

// CatchUp delivers every event currently in the log and returns. Lite-mode
// request paths and the replay command use it for read-your-writes.
func (r *Runner) CatchUp(ctx context.Context) error {
	pos, err := r.Position(ctx)
	if err != nil {
		return err
	}
	sub := r.log.SubscribeGlobal(ctx, r.handler.Name(), pos)
	for {
		env, ok, err := sub.TryNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := r.deliver(ctx, r.fill(ctx, sub, env)); err != nil {
			return err
		}
	}
}

// Reset truncates the handler's tables and rewinds the token to zero in one
// transaction. A following Run or CatchUp rebuilds the read model from the
// full log.
func (r *Runner) Reset(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Transient("reset begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.handler.Truncate(ctx, tx); err != nil {
		return err
	}
	if err := r.tokens.Reset(ctx, tx, r.handler.Name()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Transient("reset commit failed", err)
	}
	r.logger.Info("projection reset")
	return nil
}

// fill extends a batch with whatever is already available, without blocking.
func (r *Runner) fill(ctx context.Context, sub *eventlog.Subscription, first eventlog.Envelope) []eventlog.Envelope {
	batch := []eventlog.Envelope{first}
	for len(batch) < r.batchSize {
		env, ok, err := sub.TryNext(ctx)
		if err != nil || !ok {
			break
		}
		batch = append(batch, env)
	}
	return batch
}

// deliver commits a batch, degrading to per-event delivery when the batch
// fails so only the faulty event pays the retry and dead-letter cost.
func (r *Runner) deliver(ctx context.Context, batch []eventlog.Envelope) error {
	if err := r.apply(ctx, batch); err == nil {
		return nil
	} else if len(batch) == 1 {
		return r.deliverOne(ctx, batch[0], err)
	}

	for _, env := range batch {
		if err := r.apply(ctx, []eventlog.Envelope{env}); err != nil {
			if err = r.deliverOne(ctx, env, err); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliverOne retries a single event up to the poison budget, then
// dead-letters it and advances the token past it.
func (r *Runner) deliverOne(ctx context.Context, env eventlog.Envelope, firstErr error) error {
	err := firstErr
	attempts := 1
	for fault.Retryable(err) && attempts < r.poisonBudget {
		delay := r.backoff.Delay(attempts, fmt.Sprintf("%s:%d", r.handler.Name(), env.Position))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempts++
		if err = r.apply(ctx, []eventlog.Envelope{env}); err == nil {
			return nil
		}
	}
	return r.deadLetter(ctx, env, err, attempts)
}

// apply runs the handler for each event and the token advance in one
// transaction. A handler panic is contained here and surfaces as a
// non-retryable error, which sends the event straight to the dead letters.
func (r *Runner) apply(ctx context.Context, batch []eventlog.Envelope) (err error) {
	tx, txErr := r.db.BeginTx(ctx, nil)
	if txErr != nil {
		return fault.Transient("delivery begin failed", txErr)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fault.Internal(fmt.Sprintf("handler panic: %v", p), nil)
			return
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, env := range batch {
		if err = r.handler.Handle(ctx, tx, env); err != nil {
			return err
		}
	}
	if err = r.tokens.Advance(ctx, tx, r.handler.Name(), batch[len(batch)-1].Position); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fault.Transient("delivery commit failed", err)
	}
	return nil
}

func (r *Runner) deadLetter(ctx context.Context, env eventlog.Envelope, cause error, attempts int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Transient("dead letter begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	letter := readmodel.DeadLetter{
		Consumer:  r.handler.Name(),
		Position:  env.Position,
		EntityID:  env.EntityID,
		Kind:      env.Kind,
		Payload:   string(env.Payload),
		Failure:   cause.Error(),
		Attempts:  attempts,
		CreatedAt: r.clock(),
	}
	if err := r.letters.Record(ctx, tx, letter); err != nil {
		return err
	}
	if err := r.tokens.Advance(ctx, tx, r.handler.Name(), env.Position); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Transient("dead letter commit failed", err)
	}

	r.logger.Error("event dead lettered",
		"entity", env.EntityID, "kind", env.Kind, "position", env.Position,
		"attempts", attempts, "cause", cause)
	r.obs.DeadLettered(ctx, r.handler.Name())
	return nil
}

// pause sleeps briefly after an infrastructure error; false means the
// context ended while waiting.
func (r *Runner) pause(ctx context.Context, cause error) bool {
	r.logger.Warn("delivery interrupted, retrying", "cause", cause)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.backoff.Base):
		return true
	}
}
