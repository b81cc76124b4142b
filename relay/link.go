package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/RobertWHurst/certify/subject"
	"github.com/nats-io/nuid"
)

// Link is a client's connection to a relay agent. Connect and Disconnect are
// best effort; a Link never reconnects on its own.
type Link struct {
	agent     string
	client    string
	transport Transport

	mu         sync.Mutex
	connected  bool
	deliverSub Subscription
	handler    func(subject, replySubject string, data []byte)
}

// NewLink creates a disconnected link from client to agent.
func NewLink(agent, client string, transport Transport) (*Link, error) {
	if !subject.ValidToken(agent) || !subject.ValidToken(client) {
		return nil, ErrInvalidName
	}
	return &Link{agent: agent, client: client, transport: transport}, nil
}

// Agent returns the agent name.
func (l *Link) Agent() string {
	return l.agent
}

// Handle sets the function receiving messages forwarded by the agent. It
// must be set before Connect.
func (l *Link) Handle(handler func(subject, replySubject string, data []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Connected reports whether the last Connect succeeded and no Disconnect
// followed.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connect subscribes to the client's delivery subject and announces the
// client to the agent, which then drains anything it buffered.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.deliverSub == nil {
		sub, err := l.transport.Handle(deliverSubject(l.agent, l.client), l.onDeliver)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("relay: subscribe deliveries: %w", err)
		}
		l.deliverSub = sub
	}
	l.mu.Unlock()

	if err := l.request(ctx, kindConnect, &connectFrame{Client: l.client}); err != nil {
		return err
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

// Disconnect tells the agent to start buffering for the client and stops
// receiving deliveries.
func (l *Link) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.connected = false
	sub := l.deliverSub
	l.deliverSub = nil
	l.mu.Unlock()

	err := l.request(ctx, kindDisconnect, &connectFrame{Client: l.client})
	if sub != nil {
		sub.Unsubscribe()
	}
	return err
}

// Interest asks the agent to subscribe to pattern on the client's behalf.
// Interests outlive disconnects.
func (l *Link) Interest(ctx context.Context, pattern string) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	return l.request(ctx, kindInterest, &interestFrame{Client: l.client, Subject: pattern})
}

func (l *Link) onDeliver(_, _ string, reader io.Reader) {
	var frame deliverFrame
	if err := decode(reader, &frame); err != nil {
		return
	}
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(frame.Subject, frame.ReplySubject, frame.Data)
	}
}

func (l *Link) request(ctx context.Context, kind string, frame any) error {
	replySubject := subject.Join(prefix, l.agent, kindAck, l.client, nuid.Next())
	acks := make(chan ackFrame, 1)
	sub, err := l.transport.Handle(replySubject, func(_, _ string, reader io.Reader) {
		var ack ackFrame
		if err := decode(reader, &ack); err != nil {
			ack = ackFrame{Error: err.Error()}
		}
		select {
		case acks <- ack:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe ack: %w", err)
	}
	defer sub.Unsubscribe()

	if err := send(l.transport, controlSubject(l.agent, kind), replySubject, frame); err != nil {
		return fmt.Errorf("relay: send %s: %w", kind, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("relay: %s: %w", kind, ctx.Err())
	case ack := <-acks:
		if !ack.OK {
			return fmt.Errorf("%w: %s", ErrRefused, ack.Error)
		}
		return nil
	}
}
