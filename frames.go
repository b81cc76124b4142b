package certify

import (
	"io"

	"github.com/RobertWHurst/certify/subject"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	controlPrefix = "_CM"

	// Handled by the sender of certified messages.
	kindRegister = "REG"
	kindAck      = "ACK"
	kindOld      = "OLD"
	kindCancel   = "CANCEL"

	// Handled by the receiver of certified messages.
	kindRetransmit = "RETX"
	kindRefused    = "REFUSED"
	kindReply      = "REPLY"

	frameVersion = 1
)

// dataFrame is the envelope of every certified message on the wire.
type dataFrame struct {
	Version      int     `msgpack:"cm"`
	Sender       string  `msgpack:"sender"`
	Sequence     uint64  `msgpack:"seq"`
	TimeLimit    float64 `msgpack:"timeLimit,omitempty"`
	SentAt       int64   `msgpack:"sentAt"`
	Subject      string  `msgpack:"subject"`
	ReplySubject string  `msgpack:"replySubject,omitempty"`
	ContentType  string  `msgpack:"contentType,omitempty"`
	Data         []byte  `msgpack:"data"`
}

type registerFrame struct {
	Listener string `msgpack:"listener"`
	Subject  string `msgpack:"subject"`
	First    uint64 `msgpack:"first"`
}

type ackFrame struct {
	Listener string `msgpack:"listener"`
	Subject  string `msgpack:"subject"`
	Sequence uint64 `msgpack:"seq"`
}

// oldFrame requests retransmission of From through To. A zero To means
// everything retained from From on.
type oldFrame struct {
	Listener string `msgpack:"listener"`
	Subject  string `msgpack:"subject"`
	From     uint64 `msgpack:"from"`
	To       uint64 `msgpack:"to,omitempty"`
}

type cancelFrame struct {
	Listener string `msgpack:"listener"`
	Subject  string `msgpack:"subject"`
}

type refusedFrame struct {
	Sender  string `msgpack:"sender"`
	Subject string `msgpack:"subject"`
}

func controlSubject(name, kind string) string {
	return subject.Join(controlPrefix, name, kind)
}

// isReplySubject reports whether subj is a request inbox,
// _CM.<requester>.REPLY.<id>.
func isReplySubject(subj string) bool {
	return subject.Token(subj, 0) == controlPrefix && subject.Token(subj, 2) == kindReply
}

func encodeFrame(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeFrame(reader io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(reader, MaxDecodeSize))
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}

// decodeData decodes a data frame. It reports false for payloads that are
// not certified envelopes.
func decodeData(data []byte) (dataFrame, bool) {
	var frame dataFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return dataFrame{}, false
	}
	if frame.Version != frameVersion || frame.Sender == "" || frame.Sequence == 0 {
		return dataFrame{}, false
	}
	return frame, true
}
