// Package msgpack provides a MessagePack encoder for certified message
// payloads. It is more compact than JSON, which keeps ledger files small.
package msgpack

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/RobertWHurst/certify"
)

const ContentType = "application/msgpack"

type Encoder struct {
	jsonTags bool
}

var _ certify.Encoder = &Encoder{}

type Option func(*Encoder)

// WithJSONTags reads field names from json struct tags, so types already
// tagged for JSON need no msgpack tags.
func WithJSONTags() Option {
	return func(e *Encoder) {
		e.jsonTags = true
	}
}

func (e *Encoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if e.jsonTags {
		enc.SetCustomStructTag("json")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if e.jsonTags {
		dec.SetCustomStructTag("json")
	}
	return dec.Decode(v)
}

func (e *Encoder) ContentType() string {
	return ContentType
}

func New(opts ...Option) *Encoder {
	e := &Encoder{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
