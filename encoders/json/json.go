// Package json provides a JSON encoder for certified message payloads.
package json

import (
	"encoding/json"

	"github.com/RobertWHurst/certify"
)

// ContentType is carried by every message this encoder produced.
const ContentType = "application/json"

// Encoder implements certify.Encoder using JSON serialization.
type Encoder struct{}

var _ certify.Encoder = &Encoder{}

// Encode serializes v to JSON bytes.
func (e *Encoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes into v.
func (d *Encoder) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (e *Encoder) ContentType() string {
	return ContentType
}

// New creates a new JSON encoder.
func New() *Encoder {
	return &Encoder{}
}
