package msgpack

import (
	"errors"
	"testing"
	"time"

	"github.com/RobertWHurst/certify"
	"github.com/RobertWHurst/certify/transports/memory"
)

type order struct {
	ID       string `msgpack:"id"`
	Quantity int    `msgpack:"qty"`
}

type jsonTagged struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

func TestEncoderDecode(t *testing.T) {
	encoder := New()

	encoded, err := encoder.Encode(order{ID: "o-1", Quantity: 4})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	var result order
	if err := encoder.Decode(encoded, &result); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if result.ID != "o-1" || result.Quantity != 4 {
		t.Errorf("Expected o-1/4, got %s/%d", result.ID, result.Quantity)
	}
}

func TestEncoderDecodeInvalid(t *testing.T) {
	var result order
	if err := New().Decode([]byte{0xFF, 0xFF, 0xFF}, &result); err == nil {
		t.Error("Expected error for invalid msgpack data, got nil")
	}
}

func TestEncoderJSONTags(t *testing.T) {
	tagged := New(WithJSONTags())

	encoded, err := tagged.Encode(jsonTagged{ID: "o-2", Quantity: 7})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	var asMap map[string]any
	if err := New().Decode(encoded, &asMap); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if _, ok := asMap["quantity"]; !ok {
		t.Errorf("Expected json field names, got %v", asMap)
	}

	var result jsonTagged
	if err := tagged.Decode(encoded, &result); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if result.ID != "o-2" || result.Quantity != 7 {
		t.Errorf("Expected o-2/7, got %s/%d", result.ID, result.Quantity)
	}
}

func TestEncoderCompactness(t *testing.T) {
	encoded, err := New().Encode(order{ID: "compact", Quantity: 100})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if len(encoded) > 30 {
		t.Errorf("Expected compact encoding (<30 bytes), got %d bytes", len(encoded))
	}
}

func TestCertifiedMessageContentType(t *testing.T) {
	bus := memory.New()
	defer bus.Close()

	sender, err := certify.New(bus, certify.WithName("msgpack-sender"), certify.WithEncoder(New()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer sender.Destroy()

	msg := certify.NewMessage("orders.new", order{ID: "o-3", Quantity: 1})
	if err := sender.Send(msg); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if msg.ContentType() != ContentType {
		t.Errorf("Expected content type '%s', got '%s'", ContentType, msg.ContentType())
	}

	var entry *certify.ReviewEntry
	sender.ReviewLedger(func(_ string, e *certify.ReviewEntry, _ any) bool {
		entry = e
		return true
	}, "orders.new", nil)
	if entry == nil {
		t.Fatal("Expected a ledger entry")
	}

	var result order
	if err := entry.Message.Into(&result); err != nil {
		t.Fatalf("Into() failed: %v", err)
	}
	if result.ID != "o-3" {
		t.Errorf("Expected o-3, got %s", result.ID)
	}
	if time.Since(entry.SentAt) > time.Minute {
		t.Errorf("Expected a recent send time, got %v", entry.SentAt)
	}
}

func TestReceiverWithOtherEncoderRejectsPayload(t *testing.T) {
	bus := memory.New()
	defer bus.Close()

	sender, err := certify.New(bus, certify.WithName("msgpack-foreign-sender"), certify.WithEncoder(New()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer sender.Destroy()
	receiver, err := certify.New(bus, certify.WithName("msgpack-foreign-receiver"), certify.WithEncoder(&otherEncoder{}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer receiver.Destroy()

	q := certify.NewQueue()
	defer q.Close()

	errs := make(chan error, 1)
	_, err = certify.NewListener(q, func(_ *certify.Listener, msg *certify.Message, _ any) {
		errs <- msg.Into(&order{})
	}, receiver, "orders.new", nil)
	if err != nil {
		t.Fatalf("NewListener() failed: %v", err)
	}

	if err := sender.Send(certify.NewMessage("orders.new", order{ID: "x"})); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, certify.ErrInvalidMsg) {
			t.Errorf("Expected ErrInvalidMsg, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

type otherEncoder struct{}

func (o *otherEncoder) Encode(v any) ([]byte, error)    { return nil, errors.New("not used") }
func (o *otherEncoder) Decode(data []byte, v any) error { return errors.New("not used") }
func (o *otherEncoder) ContentType() string             { return "application/x-other" }

func BenchmarkEncoderEncode(b *testing.B) {
	encoder := New()
	data := order{ID: "benchmark", Quantity: 999}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encoder.Encode(data)
	}
}
