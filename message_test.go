package certify

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type mockEncoder struct {
	encodeFunc func(v any) ([]byte, error)
	decodeFunc func(data []byte, v any) error
}

func (m *mockEncoder) Encode(v any) ([]byte, error) {
	if m.encodeFunc != nil {
		return m.encodeFunc(v)
	}
	return []byte("encoded"), nil
}

func (m *mockEncoder) Decode(data []byte, v any) error {
	if m.decodeFunc != nil {
		return m.decodeFunc(data, v)
	}
	return nil
}

func (m *mockEncoder) ContentType() string {
	return "application/x-mock"
}

type mockSubscription struct {
	unsubscribeFunc func() error
}

func (m *mockSubscription) Unsubscribe() error {
	if m.unsubscribeFunc != nil {
		return m.unsubscribeFunc()
	}
	return nil
}

type mockTransport struct {
	sendFunc   func(subject, replySubject string, reader io.Reader) error
	handleFunc func(subject string, handler func(subject, replySubject string, reader io.Reader)) (Subscription, error)
	closeFunc  func() error
}

func (m *mockTransport) Send(subject, replySubject string, reader io.Reader) error {
	if m.sendFunc != nil {
		return m.sendFunc(subject, replySubject, reader)
	}
	return nil
}

func (m *mockTransport) Handle(subject string, handler func(subject, replySubject string, reader io.Reader)) (Subscription, error) {
	if m.handleFunc != nil {
		return m.handleFunc(subject, handler)
	}
	return &mockSubscription{}, nil
}

func (m *mockTransport) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func TestMessageInto(t *testing.T) {
	encoder := &mockEncoder{
		decodeFunc: func(data []byte, v any) error {
			if ptr, ok := v.(*string); ok {
				*ptr = "decoded:" + string(data)
			}
			return nil
		},
	}

	msg := &Message{data: []byte("test data"), contentType: encoder.ContentType(), encoder: encoder}

	var result string
	if err := msg.Into(&result); err != nil {
		t.Fatalf("Into() failed: %v", err)
	}
	if result != "decoded:test data" {
		t.Errorf("Expected 'decoded:test data', got '%s'", result)
	}
}

func TestMessageIntoWithError(t *testing.T) {
	expectedErr := errors.New("decode error")
	encoder := &mockEncoder{
		decodeFunc: func(data []byte, v any) error {
			return expectedErr
		},
	}

	msg := &Message{data: []byte("test data"), encoder: encoder}

	var result string
	if err := msg.Into(&result); err != expectedErr {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}
}

func TestMessageIntoRejectsForeignContentType(t *testing.T) {
	msg := &Message{data: []byte("{}"), contentType: "application/json", encoder: &mockEncoder{}}

	var result map[string]any
	if err := msg.Into(&result); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg, got %v", err)
	}
}

func TestMessageIntoWithoutEncoder(t *testing.T) {
	msg := &Message{data: []byte("x")}

	var result string
	if err := msg.Into(&result); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg, got %v", err)
	}
}

func TestMessageRead(t *testing.T) {
	msg := &Message{data: []byte("test data")}

	data, err := io.ReadAll(msg)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "test data" {
		t.Errorf("Expected 'test data', got '%s'", string(data))
	}
}

func TestMessageReadNil(t *testing.T) {
	var msg *Message
	buf := make([]byte, 4)
	if _, err := msg.Read(buf); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg, got %v", err)
	}
}

func TestMessageCMMetadata(t *testing.T) {
	msg := &Message{cm: &cmMeta{sender: "orders", sequence: 7, timeLimit: 2.5}}

	sender, err := msg.CMSender()
	if err != nil || sender != "orders" {
		t.Errorf("Expected sender 'orders', got '%s' (%v)", sender, err)
	}
	seq, err := msg.CMSequence()
	if err != nil || seq != 7 {
		t.Errorf("Expected sequence 7, got %d (%v)", seq, err)
	}
	limit, err := msg.CMTimeLimit()
	if err != nil || limit != 2.5 {
		t.Errorf("Expected time limit 2.5, got %v (%v)", limit, err)
	}
}

func TestMessageWithoutCMMetadata(t *testing.T) {
	msg := NewMessage("a", "b")

	if _, err := msg.CMSender(); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg from CMSender, got %v", err)
	}
	if _, err := msg.CMSequence(); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg from CMSequence, got %v", err)
	}
	if _, err := msg.CMTimeLimit(); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg from CMTimeLimit, got %v", err)
	}
}

func TestMessageSetCMTimeLimit(t *testing.T) {
	msg := NewMessage("a", "b")

	if err := msg.SetCMTimeLimit(-1); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for negative limit, got %v", err)
	}
	if err := msg.SetCMTimeLimit(3); err != nil {
		t.Fatalf("SetCMTimeLimit() failed: %v", err)
	}
	limit, err := msg.CMTimeLimit()
	if err != nil || limit != 3 {
		t.Errorf("Expected time limit 3, got %v (%v)", limit, err)
	}

	var nilMsg *Message
	if err := nilMsg.SetCMTimeLimit(1); !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg on nil message, got %v", err)
	}
}

func TestMessagePayload(t *testing.T) {
	encoder := &mockEncoder{
		encodeFunc: func(v any) ([]byte, error) {
			return []byte("encoded"), nil
		},
	}

	tests := []struct {
		name        string
		input       any
		expected    string
		contentType string
	}{
		{"nil", nil, "", contentTypeBytes},
		{"bytes", []byte("raw bytes"), "raw bytes", contentTypeBytes},
		{"string", "plain string", "plain string", contentTypeString},
		{"reader", strings.NewReader("reader data"), "reader data", contentTypeBytes},
		{"struct", struct{ Name string }{"test"}, "encoded", "application/x-mock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, contentType, err := NewMessage("a", tt.input).payload(encoder)
			if err != nil {
				t.Fatalf("payload() failed: %v", err)
			}
			if string(data) != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, string(data))
			}
			if contentType != tt.contentType {
				t.Errorf("Expected content type '%s', got '%s'", tt.contentType, contentType)
			}
		})
	}
}

func TestMessagePayloadWithEncodeError(t *testing.T) {
	expectedErr := errors.New("encode error")
	encoder := &mockEncoder{
		encodeFunc: func(v any) ([]byte, error) {
			return nil, expectedErr
		},
	}

	_, _, err := NewMessage("a", struct{}{}).payload(encoder)
	if err != expectedErr {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}

	_, _, err = NewMessage("a", struct{}{}).payload(nil)
	if !errors.Is(err, ErrInvalidMsg) {
		t.Errorf("Expected ErrInvalidMsg without encoder, got %v", err)
	}
}

func TestMaxDecodeSize(t *testing.T) {
	original := MaxDecodeSize
	defer func() { MaxDecodeSize = original }()
	MaxDecodeSize = 10

	data, _, err := NewMessage("a", strings.NewReader(strings.Repeat("x", 100))).payload(nil)
	if err != nil {
		t.Fatalf("payload() failed: %v", err)
	}
	if len(data) != 10 {
		t.Errorf("Expected payload capped at 10 bytes, got %d", len(data))
	}
}

func TestMessageClone(t *testing.T) {
	msg := &Message{subject: "a", data: []byte("x"), cm: &cmMeta{sender: "s", sequence: 1}}
	c := msg.clone()
	c.cm.sequence = 2

	if msg.cm.sequence != 1 {
		t.Error("Expected clone not to share metadata")
	}
}

func BenchmarkMessageInto(b *testing.B) {
	msg := &Message{data: []byte("benchmark data"), encoder: &mockEncoder{}}
	var result string

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg.Into(&result)
	}
}
