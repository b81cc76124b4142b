// Package nats provides a NATS transport for certify. NATS delivers on a
// best effort basis, which is all certified delivery needs from the layer
// below it.
package nats

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RobertWHurst/certify"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Transport implements certify.Transport over a NATS connection. With a
// namespace every subject is published under the namespace prefix, and the
// prefix is stripped again before handlers see the subject.
type Transport struct {
	conn     *nats.Conn
	prefix   string
	ownsConn bool
}

var _ certify.Transport = &Transport{}

type Option func(*Transport)

// WithNamespace places every subject under ns, so several deployments can
// share one NATS account.
func WithNamespace(ns string) Option {
	return func(t *Transport) {
		t.prefix = namespace(ns)
	}
}

// New creates a transport over an existing connection. Close leaves the
// connection open.
func New(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{conn: conn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials url and returns a transport that owns the connection. When
// seedFile is set the connection authenticates with the nkey seed it
// contains.
func Connect(url, seedFile string, natsOpts []nats.Option, opts ...Option) (*Transport, error) {
	if seedFile != "" {
		opt, err := nkeyOption(seedFile)
		if err != nil {
			return nil, err
		}
		natsOpts = append(natsOpts, opt)
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	t := New(conn, opts...)
	t.ownsConn = true
	return t, nil
}

func nkeyOption(seedFile string) (nats.Option, error) {
	seed, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("nats: read nkey seed: %w", err)
	}
	kp, err := nkeys.FromSeed(bytes.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("nats: parse nkey seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("nats: nkey public key: %w", err)
	}
	return nats.Nkey(pub, kp.Sign), nil
}

// Conn returns the underlying connection.
func (t *Transport) Conn() *nats.Conn {
	return t.conn
}

func (t *Transport) Send(subject, replySubject string, reader io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(reader, certify.MaxDecodeSize))
	if err != nil {
		return err
	}
	if limit := t.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("nats: payload of %d bytes exceeds server limit of %d", len(data), limit)
	}
	msg := &nats.Msg{Subject: t.wrap(subject), Data: data}
	if replySubject != "" {
		msg.Reply = t.wrap(replySubject)
	}
	return t.conn.PublishMsg(msg)
}

// Handle subscribes handler to subject. NATS runs each subscription's
// callbacks on its own goroutine, one message at a time.
func (t *Transport) Handle(subject string, handler func(subject, replySubject string, reader io.Reader)) (certify.Subscription, error) {
	sub, err := t.conn.Subscribe(t.wrap(subject), func(msg *nats.Msg) {
		handler(t.strip(msg.Subject), t.strip(msg.Reply), bytes.NewReader(msg.Data))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close flushes pending publishes. A connection opened by Connect is then
// closed.
func (t *Transport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	err := t.conn.Flush()
	if t.ownsConn {
		t.conn.Close()
	}
	return err
}

func (t *Transport) wrap(subject string) string {
	if t.prefix == "" {
		return subject
	}
	return t.prefix + "." + subject
}

func (t *Transport) strip(subject string) string {
	if t.prefix == "" || subject == "" {
		return subject
	}
	return strings.TrimPrefix(subject, t.prefix+".")
}
