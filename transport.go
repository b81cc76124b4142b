package certify

import "io"

// Transport defines the unreliable subject-based pub/sub transport that
// certified delivery is layered on. Implementations only need best-effort
// delivery; sequencing, retention and confirmation happen above them.
type Transport interface {
	// Send publishes the payload read from reader on subject. replySubject may
	// be empty.
	Send(subject, replySubject string, reader io.Reader) error

	// Handle subscribes handler to subject. Subjects are dot separated and may
	// use the * (one token) and > (remaining tokens) wildcards. Handlers for a
	// single subscription are invoked one at a time and must not be invoked on
	// the goroutine that called Send.
	Handle(subject string, handler func(subject, replySubject string, reader io.Reader)) (Subscription, error)

	// Close cleans up resources and closes connections.
	Close() error
}

// Subscription is returned by Transport.Handle. It is an alias so that
// transports and the relay package can satisfy Transport without importing
// this package.
type Subscription = interface {
	Unsubscribe() error
}
