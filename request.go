package certify

import (
	"context"
	"fmt"
	"time"

	"github.com/RobertWHurst/certify/subject"
	"github.com/nats-io/nuid"
)

// ReplyTimeLimit is the time limit, in seconds, of replies sent without one
// by a transport with no default time limit. It bounds how long a reply to a
// requester that went away is retained.
var ReplyTimeLimit = 60.0

// SendRequest sends msg as a certified message and waits up to timeout for
// the reply. Do not call it from a listener callback that is needed to
// produce the reply.
func (t *CMTransport) SendRequest(msg *Message, timeout time.Duration) (*Message, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidArg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.SendRequestWithCtx(ctx, msg)
}

// SendRequestWithCtx sends msg as a certified message and waits for the
// reply until ctx is done. The reply is confirmed to its sender when it
// arrives.
func (t *CMTransport) SendRequestWithCtx(ctx context.Context, msg *Message) (*Message, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if msg == nil || !subject.Valid(msg.subject) {
		return nil, ErrInvalidMsg
	}
	if ctx == nil {
		return nil, ErrInvalidArg
	}

	inbox := subject.Join(controlPrefix, t.name, kindReply, nuid.Next())
	replies := make(chan *Message, 1)
	if err := t.acquire(); err != nil {
		return nil, err
	}
	t.requests[inbox] = replies
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.requests, inbox)
		t.mu.Unlock()
	}()

	request := msg.clone()
	request.replySubject = inbox
	if err := t.send(request); err != nil {
		return nil, err
	}
	msg.data = request.data
	msg.contentType = request.contentType
	msg.encoder = request.encoder
	msg.cm = request.cm

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("certify: request %s: %w", msg.subject, ctx.Err())
	case reply := <-replies:
		return reply, nil
	}
}

// SendReply sends reply as a certified message to the reply subject of
// request.
func (t *CMTransport) SendReply(reply, request *Message) error {
	if err := t.check(); err != nil {
		return err
	}
	if reply == nil {
		return ErrInvalidMsg
	}
	if request == nil || request.replySubject == "" {
		return fmt.Errorf("%w: request has no reply subject", ErrInvalidArg)
	}
	if !subject.Valid(request.replySubject) {
		return fmt.Errorf("%w: reply subject %q", ErrInvalidArg, request.replySubject)
	}
	reply.subject = request.replySubject
	return t.send(reply)
}
