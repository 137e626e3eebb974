package eventlog

import (
	"context"
	"sync"
	"time"
)

// waker broadcasts "the log grew" to blocked subscribers in this process.
// Cross-process appends are covered by the subscriber poll interval.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{})}
}

func (w *waker) wake() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

func (w *waker) signal() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Subscription is a pull cursor over the global log. Next blocks until an
// event past the cursor exists or the context ends. Consumer is carried for
// logging only; the tracking token discipline lives with the consumer.
type Subscription struct {
	log      Log
	consumer string
	waker    *waker
	poll     time.Duration

	pos int64
	buf []Envelope
}

func newSubscription(log Log, consumer string, fromPosition int64, w *waker, poll time.Duration) *Subscription {
	return &Subscription{
		log:      log,
		consumer: consumer,
		waker:    w,
		poll:     poll,
		pos:      fromPosition,
	}
}

// Consumer returns the subscriber name given at creation.
func (s *Subscription) Consumer() string { return s.consumer }

// Position returns the position of the last event yielded by Next.
func (s *Subscription) Position() int64 { return s.pos }

// Next returns the next event in global order, blocking as needed.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for len(s.buf) == 0 {
		// Arm the wakeup before reading so an append between the read and
		// the wait cannot be missed.
		signal := s.waker.signal()

		batch, err := s.log.ReadGlobal(ctx, s.pos, defaultReadLimit)
		if err != nil {
			return Envelope{}, err
		}
		if len(batch) > 0 {
			s.buf = batch
			break
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}

	env := s.buf[0]
	s.buf = s.buf[1:]
	s.pos = env.Position
	return env, nil
}

// TryNext returns the next event if one is already available, without
// blocking. It drains the internal buffer first and otherwise performs a
// single read past the cursor. ok is false when the subscriber has caught up
// with the log.
func (s *Subscription) TryNext(ctx context.Context) (Envelope, bool, error) {
	if len(s.buf) == 0 {
		batch, err := s.log.ReadGlobal(ctx, s.pos, defaultReadLimit)
		if err != nil {
			return Envelope{}, false, err
		}
		if len(batch) == 0 {
			return Envelope{}, false, nil
		}
		s.buf = batch
	}

	env := s.buf[0]
	s.buf = s.buf[1:]
	s.pos = env.Position
	return env, true, nil
}
