package callback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueClosed   = errors.New("callback queue is closed")
	ErrAlreadyQueued = errors.New("callback record already queued or consumed")
	ErrNilRecord     = errors.New("callback record is nil")
)

// Metrics is a snapshot of Queue counters.
type Metrics struct {
	Enqueued  int64
	Processed int64
	Failed    int64
	Dropped   int64
	Pending   int
}

// Queue is the FIFO between stack goroutines and the interpreter.
//
// Enqueue may be called from any goroutine and never waits on the consumer.
// DrainOne, DrainAll and Run belong to the interpreter goroutine.
type Queue struct {
	logger *logrus.Logger

	mu      sync.Mutex
	head    *Record
	tail    *Record
	pending int
	closed  bool

	wake    chan struct{}
	consume sync.Mutex

	enqueued  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewQueue(logger *logrus.Logger) *Queue {
	return &Queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends r to the tail. On error the caller still owns r and
// should Discard it.
func (q *Queue) Enqueue(r *Record) error {
	if r == nil {
		return ErrNilRecord
	}
	if !r.state.CompareAndSwap(statePending, stateQueued) {
		return ErrAlreadyQueued
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		r.state.Store(statePending)
		return ErrQueueClosed
	}
	if q.tail == nil {
		q.head = r
	} else {
		q.tail.next = r
	}
	q.tail = r
	q.pending++
	q.mu.Unlock()

	q.enqueued.Add(1)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Submit enqueues a new record for fn, discarding it if the queue refuses.
// fn must carry a reference for the record.
func (q *Queue) Submit(kind Kind, fn Callable, payload Payload) error {
	r := NewRecord(kind, fn, payload)
	if err := q.Enqueue(r); err != nil {
		r.Discard()
		return fmt.Errorf("submit %s callback: %w", kind, err)
	}
	return nil
}

func (q *Queue) pop() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.pending--
	return r
}

// DrainOne runs the oldest record, if any, and reports whether one ran.
func (q *Queue) DrainOne() bool {
	q.consume.Lock()
	defer q.consume.Unlock()

	r := q.pop()
	if r == nil {
		return false
	}
	q.dispatch(r)
	return true
}

// DrainAll runs records until the queue is empty, including records
// enqueued by the callbacks themselves. It returns how many ran.
func (q *Queue) DrainAll() int {
	n := 0
	for q.DrainOne() {
		n++
	}
	return n
}

func (q *Queue) dispatch(r *Record) {
	if !r.state.CompareAndSwap(stateQueued, stateConsumed) {
		q.logger.WithField("kind", r.Kind).Warn("Skipping callback record that was already consumed")
		return
	}
	defer r.releaseFn()

	if r.Fn == nil {
		q.dropped.Add(1)
		return
	}

	if err := q.invoke(r); err != nil {
		q.failed.Add(1)
		q.logger.WithError(err).WithField("kind", r.Kind.String()).Error("Script callback failed")
		return
	}
	q.processed.Add(1)
}

func (q *Queue) invoke(r *Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panicked: %v", p)
		}
	}()
	return r.Fn.Call(r.Payload.Args()...)
}

// Run drains the queue whenever it is woken until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.DrainAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
			q.DrainAll()
		}
	}
}

// Wake returns a channel that receives after new records arrive. It is
// for consumers that multiplex the queue with other work instead of Run.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Len is the number of records waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close rejects further records and drops the pending ones, releasing
// their references. It waits for an in-flight dispatch to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	head := q.head
	q.head, q.tail, q.pending = nil, nil, 0
	q.mu.Unlock()

	q.consume.Lock()
	defer q.consume.Unlock()

	dropped := 0
	for r := head; r != nil; {
		next := r.next
		r.next = nil
		r.Discard()
		dropped++
		r = next
	}
	q.dropped.Add(int64(dropped))

	if dropped > 0 {
		q.logger.WithField("dropped", dropped).Warn("Callback queue closed with pending records")
	}
}

func (q *Queue) Metrics() Metrics {
	return Metrics{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   q.Len(),
	}
}
