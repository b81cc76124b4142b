package certify

import (
	"bytes"
	"fmt"
	"io"
)

var MaxDecodeSize = int64(1024 * 1024 * 5) // 5 MB

const (
	contentTypeBytes  = "application/octet-stream"
	contentTypeString = "text/plain"
)

// cmMeta is the certified delivery metadata a message carries once it has
// been sent or received through a CMTransport.
type cmMeta struct {
	sender    string
	sequence  uint64
	timeLimit float64
	// certified is false for messages from a sender that refused this
	// transport; they carry metadata but no agreement.
	certified bool
}

// Message is a certified message. Outbound messages are built with
// NewMessage; inbound ones are handed to listener callbacks.
type Message struct {
	subject      string
	replySubject string
	value        any
	data         []byte
	contentType  string
	reader       *bytes.Reader
	encoder      Encoder

	cm           *cmMeta
	timeLimit    float64
	hasTimeLimit bool
}

// NewMessage creates an outbound message for subject. The value v can be a
// struct (encoded with the transport's encoder), string, []byte, or
// io.Reader.
func NewMessage(subject string, v any) *Message {
	return &Message{subject: subject, value: v}
}

// Subject returns the subject the message was sent on.
func (m *Message) Subject() string {
	if m == nil {
		return ""
	}
	return m.subject
}

// ReplySubject returns the subject replies to this message go to, or "".
func (m *Message) ReplySubject() string {
	if m == nil {
		return ""
	}
	return m.replySubject
}

// ContentType returns the payload encoding, known once the message has been
// sent or received.
func (m *Message) ContentType() string {
	if m == nil {
		return ""
	}
	return m.contentType
}

// Data returns the raw payload of a sent or received message.
func (m *Message) Data() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Into decodes the payload into v with the encoder of the transport that
// received it.
func (m *Message) Into(v any) error {
	if m == nil || m.data == nil && m.value != nil {
		return ErrInvalidMsg
	}
	if m.encoder == nil {
		return fmt.Errorf("%w: no encoder to decode with", ErrInvalidMsg)
	}
	if m.contentType != "" && m.contentType != m.encoder.ContentType() &&
		m.contentType != contentTypeBytes && m.contentType != contentTypeString {
		return fmt.Errorf("%w: payload is %s, encoder is %s", ErrInvalidMsg, m.contentType, m.encoder.ContentType())
	}
	return m.encoder.Decode(m.data, v)
}

func (m *Message) Read(p []byte) (n int, err error) {
	if m == nil {
		return 0, ErrInvalidMsg
	}
	if m.reader == nil {
		m.reader = bytes.NewReader(m.data)
	}
	return m.reader.Read(p)
}

// CMSender returns the name of the certified transport that sent the message.
func (m *Message) CMSender() (string, error) {
	if m == nil || m.cm == nil {
		return "", ErrInvalidMsg
	}
	return m.cm.sender, nil
}

// CMSequence returns the message's sequence number on its subject.
func (m *Message) CMSequence() (uint64, error) {
	if m == nil || m.cm == nil {
		return 0, ErrInvalidMsg
	}
	return m.cm.sequence, nil
}

// CMTimeLimit returns the message's time limit in seconds; 0 means it never
// expires.
func (m *Message) CMTimeLimit() (float64, error) {
	if m == nil {
		return 0, ErrInvalidMsg
	}
	if m.hasTimeLimit {
		return m.timeLimit, nil
	}
	if m.cm == nil {
		return 0, ErrInvalidMsg
	}
	return m.cm.timeLimit, nil
}

// SetCMTimeLimit overrides the sending transport's default time limit for
// this message. 0 means no expiry. Infinite and NaN limits are rejected.
func (m *Message) SetCMTimeLimit(seconds float64) error {
	if m == nil {
		return ErrInvalidMsg
	}
	if !validTimeLimit(seconds) {
		return ErrInvalidArg
	}
	m.timeLimit = seconds
	m.hasTimeLimit = true
	if m.cm != nil {
		m.cm.timeLimit = seconds
	}
	return nil
}

func (m *Message) clone() *Message {
	c := *m
	c.reader = nil
	if m.cm != nil {
		meta := *m.cm
		c.cm = &meta
	}
	return &c
}

// payload returns the encoded payload and its content type.
func (m *Message) payload(encoder Encoder) ([]byte, string, error) {
	if m.data != nil {
		return m.data, m.contentType, nil
	}
	switch v := m.value.(type) {
	case nil:
		return []byte{}, contentTypeBytes, nil
	case []byte:
		return v, contentTypeBytes, nil
	case string:
		return []byte(v), contentTypeString, nil
	case io.Reader:
		data, err := io.ReadAll(io.LimitReader(v, MaxDecodeSize))
		if err != nil {
			return nil, "", err
		}
		return data, contentTypeBytes, nil
	default:
		if encoder == nil {
			return nil, "", fmt.Errorf("%w: no encoder for %T", ErrInvalidMsg, v)
		}
		data, err := encoder.Encode(v)
		if err != nil {
			return nil, "", err
		}
		return data, encoder.ContentType(), nil
	}
}
