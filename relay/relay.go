// Package relay implements relay agents for certified delivery. A relay
// agent is a long running process that subscribes to subjects on behalf of
// intermittently connected clients, buffers what arrives while a client is
// away and hands it over when the client reconnects.
//
// Agents and links talk over any transport with certify's Transport method
// set using msgpack frames on subjects under _CMRELAY.<agent>.
package relay

import (
	"bytes"
	"errors"
	"io"

	"github.com/RobertWHurst/certify/subject"
	"github.com/vmihailenco/msgpack/v5"
)

// Transport is the part of certify.Transport the relay needs.
type Transport interface {
	Send(subject, replySubject string, reader io.Reader) error
	Handle(subject string, handler func(subject, replySubject string, reader io.Reader)) (Subscription, error)
}

// Subscription matches certify.Subscription.
type Subscription = interface {
	Unsubscribe() error
}

const (
	prefix = "_CMRELAY"

	kindConnect    = "CONNECT"
	kindDisconnect = "DISCONNECT"
	kindInterest   = "INTEREST"
	kindDeliver    = "DELIVER"
	kindAck        = "ACK"
)

var (
	// ErrNotConnected is returned by Link operations that need a connection.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrRefused is returned when the agent rejects a request.
	ErrRefused = errors.New("relay: refused by agent")
	// ErrInvalidName is returned for agent or client names that are not
	// single subject tokens.
	ErrInvalidName = errors.New("relay: invalid name")
)

type connectFrame struct {
	Client string `msgpack:"client"`
}

type interestFrame struct {
	Client  string `msgpack:"client"`
	Subject string `msgpack:"subject"`
}

type ackFrame struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

// deliverFrame carries one message forwarded by the agent.
type deliverFrame struct {
	Subject      string `msgpack:"subject"`
	ReplySubject string `msgpack:"replySubject,omitempty"`
	Data         []byte `msgpack:"data"`
}

func controlSubject(agent, kind string) string {
	return subject.Join(prefix, agent, kind)
}

func deliverSubject(agent, client string) string {
	return subject.Join(prefix, agent, kindDeliver, client)
}

func send(tr Transport, subj, replySubject string, v any) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return tr.Send(subj, replySubject, bytes.NewReader(buf))
}

func decode(reader io.Reader, v any) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}
