package memory

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type received struct {
	subject      string
	replySubject string
	data         string
}

func collect(t *testing.T, tr *Transport, pattern string) (chan received, interface{ Unsubscribe() error }) {
	t.Helper()
	ch := make(chan received, 100)
	sub, err := tr.Handle(pattern, func(subject, replySubject string, reader io.Reader) {
		data, _ := io.ReadAll(reader)
		ch <- received{subject: subject, replySubject: replySubject, data: string(data)}
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	return ch, sub
}

func next(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("Message not received within timeout")
	}
	return received{}
}

func TestTransportSendHandle(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch, _ := collect(t, tr, "orders.*")

	if err := tr.Send("orders.new", "reply.1", strings.NewReader("hello")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	r := next(t, ch)
	if r.subject != "orders.new" {
		t.Errorf("Expected subject 'orders.new', got '%s'", r.subject)
	}
	if r.replySubject != "reply.1" {
		t.Errorf("Expected reply subject 'reply.1', got '%s'", r.replySubject)
	}
	if r.data != "hello" {
		t.Errorf("Expected data 'hello', got '%s'", r.data)
	}
}

func TestTransportNoMatch(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch, _ := collect(t, tr, "billing")
	tr.Send("orders.new", "", strings.NewReader("x"))

	select {
	case r := <-ch:
		t.Errorf("Unexpected delivery %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportPreservesOrder(t *testing.T) {
	tr := New()
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	tr.Handle("seq", func(subject, replySubject string, reader io.Reader) {
		data, _ := io.ReadAll(reader)
		mu.Lock()
		got = append(got, string(data))
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		tr.Send("seq", "", strings.NewReader(string(rune('A'+i%26))))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Messages not received within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		if s != string(rune('A'+i%26)) {
			t.Fatalf("Expected in order delivery, position %d got %s", i, s)
		}
	}
}

func TestTransportUnsubscribe(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch, sub := collect(t, tr, "a")
	if tr.Subscriptions() != 1 {
		t.Fatalf("Expected 1 subscription, got %d", tr.Subscriptions())
	}

	sub.Unsubscribe()
	tr.Send("a", "", strings.NewReader("x"))

	select {
	case r := <-ch:
		t.Errorf("Unexpected delivery after unsubscribe %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if tr.Subscriptions() != 0 {
		t.Errorf("Expected 0 subscriptions, got %d", tr.Subscriptions())
	}
	<-sub.(*Subscription).Done()
}

func TestTransportFilter(t *testing.T) {
	tr := New()
	defer tr.Close()

	ch, _ := collect(t, tr, "a")
	tr.SetFilter(func(subject string, data []byte) bool {
		return string(data) != "drop"
	})

	tr.Send("a", "", strings.NewReader("drop"))
	tr.Send("a", "", strings.NewReader("keep"))

	if r := next(t, ch); r.data != "keep" {
		t.Errorf("Expected filtered message skipped, got '%s'", r.data)
	}
}

func TestTransportClose(t *testing.T) {
	tr := New()
	collect(t, tr, "a")

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := tr.Send("a", "", strings.NewReader("x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := tr.Handle("a", func(string, string, io.Reader) {}); err != ErrClosed {
		t.Errorf("Expected ErrClosed from Handle, got %v", err)
	}
}

func TestTransportInvalidPattern(t *testing.T) {
	tr := New()
	defer tr.Close()

	if _, err := tr.Handle("a..b", func(string, string, io.Reader) {}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}
