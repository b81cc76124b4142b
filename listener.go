package certify

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/RobertWHurst/certify/subject"
)

// Arguments to Listener.Destroy.
const (
	// Cancel discards the listener's outstanding agreements; senders stop
	// retaining messages for it.
	Cancel = true
	// Persist keeps the agreements so a listener created later on the same
	// transport and subject recovers what it missed.
	Persist = false
)

// ListenerCallback receives certified messages on the listener's queue.
type ListenerCallback func(l *Listener, msg *Message, closure any)

// ListenerOnComplete is called on the listener's queue once an asynchronous
// listener destroy has finished.
type ListenerOnComplete func(l *Listener, closure any)

// Listener receives certified messages on a subject pattern. Callbacks run
// one at a time on the listener's queue. Unless explicit confirmation is
// set, a message is confirmed as soon as the callback returns.
type Listener struct {
	queue     *Queue
	callback  ListenerCallback
	transport *CMTransport
	subject   string
	closure   any

	mu       sync.Mutex
	state    lifecycle
	explicit bool

	// guarded by transport.mu
	sub Subscription

	completions completions
}

// NewListener starts listening on subj, which may contain * and >
// wildcards. Agreements persisted by an earlier listener on the same
// transport are resumed: unconfirmed messages are requested again.
func NewListener(queue *Queue, callback ListenerCallback, transport *CMTransport, subj string, closure any) (*Listener, error) {
	if !queue.valid() {
		return nil, ErrInvalidQueue
	}
	if callback == nil {
		return nil, ErrInvalidCallback
	}
	if err := transport.check(); err != nil {
		return nil, err
	}
	if !subject.ValidPattern(subj) {
		return nil, ErrInvalidArg
	}

	l := &Listener{
		queue:     queue,
		callback:  callback,
		transport: transport,
		subject:   subj,
		closure:   closure,
	}
	if err := transport.addListenerEvent(l); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) valid() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == active
}

// SetExplicitConfirm makes the listener leave messages delivered from now
// on pending until ConfirmMsg is called for them.
func (l *Listener) SetExplicitConfirm() error {
	if l == nil {
		return ErrInvalidEvent
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != active {
		return ErrInvalidEvent
	}
	l.explicit = true
	return nil
}

// ConfirmMsg confirms msg to its sender. Confirming a message twice is not
// an error; confirming one that carries no agreement is.
func (l *Listener) ConfirmMsg(msg *Message) error {
	if !l.valid() {
		return ErrInvalidEvent
	}
	if msg == nil || msg.cm == nil || !msg.cm.certified {
		return ErrInvalidMsg
	}
	return l.transport.confirmDelivery(l, msg.cm.sender, msg.subject, msg.cm.sequence)
}

// Destroy stops the listener. With Cancel its senders are told to discard
// the agreements; with Persist they keep retaining unconfirmed messages.
func (l *Listener) Destroy(cancelAgreements bool) error {
	if err := l.beginDestroy(); err != nil {
		return err
	}
	l.transport.removeListenerEvent(l, cancelAgreements)
	l.markDestroyed()
	return nil
}

// DestroyAsync is Destroy with a completion callback, which runs on the
// listener's queue after every callback already queued for the listener.
func (l *Listener) DestroyAsync(cancelAgreements bool, onComplete ListenerOnComplete, closure any) error {
	if err := l.beginDestroy(); err != nil {
		return err
	}
	var id uint64
	if onComplete != nil {
		id = l.completions.register(func() { onComplete(l, closure) })
	}
	l.transport.removeListenerEvent(l, cancelAgreements)
	l.markDestroyed()
	if onComplete == nil {
		return nil
	}
	if err := l.queue.Dispatch(func() { l.completions.fire(id) }); err != nil {
		go l.completions.fire(id)
	}
	return nil
}

func (l *Listener) beginDestroy() error {
	if l == nil {
		return ErrInvalidEvent
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != active {
		return ErrInvalidEvent
	}
	l.state = destroying
	return nil
}

func (l *Listener) markDestroyed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = destroyed
}

func (l *Listener) Subject() (string, error) {
	if !l.valid() {
		return "", ErrInvalidEvent
	}
	return l.subject, nil
}

func (l *Listener) CMTransport() (*CMTransport, error) {
	if !l.valid() {
		return nil, ErrInvalidEvent
	}
	return l.transport, nil
}

func (l *Listener) Queue() (*Queue, error) {
	if !l.valid() {
		return nil, ErrInvalidEvent
	}
	return l.queue, nil
}

// deliver queues msg for the callback. rec is nil for messages that carry
// no agreement.
func (l *Listener) deliver(msg *Message, rec *delivery) {
	l.mu.Lock()
	explicit := l.explicit
	l.mu.Unlock()

	err := l.queue.Dispatch(func() {
		if !l.valid() {
			l.transport.release(l, rec)
			return
		}
		l.callback(l, msg, l.closure)
		if rec != nil && !explicit {
			l.transport.confirmRecord(l, rec)
		}
	})
	if err != nil {
		l.transport.logger.Warn().Err(err).Str("subject", l.subject).Msg("listener queue rejected message")
		l.transport.release(l, rec)
	}
}

func (t *CMTransport) addListenerEvent(l *Listener) error {
	if err := t.acquire(); err != nil {
		return err
	}
	sub, err := t.transport.Handle(l.subject, func(subj, replySubject string, reader io.Reader) {
		t.onData(l, subj, replySubject, reader)
	})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("certify: subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	served := t.patterns()
	t.listeners = append(t.listeners, l)

	if t.requestOld {
		t.resume(l.subject, served)
	}
	link := t.link
	t.mu.Unlock()

	t.logger.Debug().Str("subject", l.subject).Str("queue", l.queue.Name()).Msg("listener created")

	if link != nil && link.Connected() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := link.Interest(ctx, l.subject); err != nil {
				t.logger.Warn().Err(err).Str("subject", l.subject).Msg("relay interest failed")
			}
		}()
	}
	return nil
}

// resume asks senders to retransmit everything past the watermark of each
// known agreement matching pattern that no other listener is serving.
// Delivered but unconfirmed messages are reopened so they are delivered
// again.
func (t *CMTransport) resume(pattern string, served []string) {
	for _, key := range t.tracker.Keys(pattern) {
		if _, ok := t.uncertified[key]; ok {
			continue
		}
		if matchesAny(served, key.Subject) {
			continue
		}
		t.tracker.Reopen(key.Subject)
		watermark, _ := t.tracker.Watermark(key.Sender, key.Subject)
		t.publish(controlSubject(key.Sender, kindOld), &oldFrame{
			Listener: t.name,
			Subject:  key.Subject,
			From:     watermark + 1,
		})
		t.logger.Debug().Str("sender", key.Sender).Str("subject", key.Subject).
			Uint64("from", watermark+1).Msg("resuming agreement")
	}
}

func (t *CMTransport) removeListenerEvent(l *Listener, cancelAgreements bool) {
	t.mu.Lock()
	t.listeners = slices.DeleteFunc(t.listeners, func(x *Listener) bool { return x == l })
	sub := l.sub
	l.sub = nil
	for _, rec := range t.deliveries {
		t.settle(l, rec, false)
	}

	if cancelAgreements && t.state == active {
		remaining := t.patterns()
		for _, key := range t.tracker.Keys(l.subject) {
			if matchesAny(remaining, key.Subject) {
				continue
			}
			t.tracker.Forget(key.Sender, key.Subject)
			t.dropDeliveries(key)
			if _, ok := t.uncertified[key]; ok {
				delete(t.uncertified, key)
				continue
			}
			t.publish(controlSubject(key.Sender, kindCancel), &cancelFrame{Listener: t.name, Subject: key.Subject})
		}
		t.persistAgreements()
	}
	t.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn().Err(err).Str("subject", l.subject).Msg("unsubscribe failed")
		}
	}
	t.logger.Debug().Str("subject", l.subject).Bool("cancel", cancelAgreements).Msg("listener destroyed")
}

func matchesAny(patterns []string, subj string) bool {
	for _, p := range patterns {
		if subject.Match(p, subj) {
			return true
		}
	}
	return false
}
