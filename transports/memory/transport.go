// Package memory provides an in-process transport for certify. Every
// certified transport that shares one memory.Transport sees the others'
// messages, which makes it the transport of choice for tests and for
// embedding several certified endpoints in one process.
//
// Each subscription owns an unbounded mailbox drained by its own goroutine,
// so handlers run one at a time per subscription and never on the sender's
// goroutine.
package memory

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/RobertWHurst/certify/subject"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("memory: transport closed")

// Filter decides whether a published message is delivered. Returning false
// drops it, which simulates a lossy network.
type Filter func(subject string, data []byte) bool

type Transport struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	filter Filter
	closed bool
}

// New creates an empty in-process transport.
func New() *Transport {
	return &Transport{subs: make(map[*Subscription]struct{})}
}

// SetFilter installs f, or removes the filter when f is nil.
func (t *Transport) SetFilter(f Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter = f
}

func (t *Transport) Send(subj, replySubject string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	if t.filter != nil && !t.filter(subj, data) {
		return nil
	}
	for sub := range t.subs {
		if subject.Match(sub.pattern, subj) {
			sub.push(delivery{subject: subj, replySubject: replySubject, data: data})
		}
	}
	return nil
}

func (t *Transport) Handle(pattern string, handler func(subject, replySubject string, reader io.Reader)) (interface{ Unsubscribe() error }, error) {
	if !subject.ValidPattern(pattern) {
		return nil, errors.New("memory: invalid subject " + pattern)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		transport: t,
		pattern:   pattern,
		handler:   handler,
		done:      make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	t.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Close unsubscribes everything. Sends after Close fail with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*Subscription]struct{})
	t.closed = true
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (t *Transport) Subscriptions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

type delivery struct {
	subject      string
	replySubject string
	data         []byte
}

// Subscription is a live Handle registration.
type Subscription struct {
	transport *Transport
	pattern   string
	handler   func(subject, replySubject string, reader io.Reader)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []delivery
	stopped bool
	done    chan struct{}
}

func (s *Subscription) push(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = append(s.pending, d)
	s.cond.Signal()
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(d.subject, d.replySubject, bytes.NewReader(d.data))
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = nil
	s.cond.Broadcast()
}

// Unsubscribe stops delivery. It does not wait for a handler that is
// already running.
func (s *Subscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	s.stop()
	return nil
}

// Done is closed once the subscription's goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
