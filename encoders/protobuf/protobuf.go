package protobuf

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/RobertWHurst/certify"
)

const ContentType = "application/protobuf"

type Encoder struct{}

var _ certify.Encoder = &Encoder{}

func (e *Encoder) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("protobuf: %T does not implement proto.Message", v)
}

func (e *Encoder) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("protobuf: %T does not implement proto.Message", v)
}

func (e *Encoder) ContentType() string {
	return ContentType
}

func New() *Encoder {
	return &Encoder{}
}
