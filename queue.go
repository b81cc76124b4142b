package certify

import (
	"sync"

	"github.com/nats-io/nuid"
)

// Queue runs listener callbacks one at a time, in the order they were
// dispatched, on a goroutine owned by the queue. One queue may serve many
// listeners; separate queues run concurrently.
type Queue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueName names the queue for logs.
func WithQueueName(name string) QueueOption {
	return func(q *Queue) {
		q.name = name
	}
}

// NewQueue starts a queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		name: nuid.Next(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Dispatch appends fn to the queue. It never blocks on callbacks and may be
// called from inside one.
func (q *Queue) Dispatch(fn func()) error {
	if q == nil || fn == nil {
		return ErrInvalidQueue
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrInvalidQueue
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	return nil
}

// Close stops accepting work. Callbacks already dispatched still run; Done
// is closed after the last one returns.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Done is closed once a closed queue has drained.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) valid() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
