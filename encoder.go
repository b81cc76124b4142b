package certify

// Encoder defines the interface for payload serialization and deserialization.
// Implementations include JSON, MessagePack, and Protocol Buffers encoders.
type Encoder interface {
	// Encode serializes v into bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v.
	Decode(data []byte, v any) error

	// ContentType names the encoding. It travels with each certified message
	// so receivers can refuse payloads they cannot decode.
	ContentType() string
}
