package ledger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func appendN(t *testing.T, s *Store, subj string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq := s.NextSequence(subj)
		err := s.Append(Entry{Subject: subj, Sender: "sender", Sequence: seq, SentAt: time.Now(), Data: []byte("payload")})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
}

func TestStoreAppendAssignsSequences(t *testing.T) {
	s := New()

	if s.NextSequence("A") != 1 {
		t.Fatalf("Expected first sequence 1, got %d", s.NextSequence("A"))
	}

	appendN(t, s, "A", 3)
	appendN(t, s, "B", 1)

	if s.LastSequence("A") != 3 {
		t.Errorf("Expected last sequence 3, got %d", s.LastSequence("A"))
	}
	if s.NextSequence("B") != 2 {
		t.Errorf("Expected next sequence 2 on B, got %d", s.NextSequence("B"))
	}
	if s.Len() != 4 {
		t.Errorf("Expected 4 entries, got %d", s.Len())
	}
}

func TestStoreAppendRejectsOutOfOrder(t *testing.T) {
	s := New()
	err := s.Append(Entry{Subject: "A", Sequence: 2})
	if !errors.Is(err, ErrSequence) {
		t.Errorf("Expected ErrSequence, got %v", err)
	}
}

func TestStoreConfirm(t *testing.T) {
	s := New()
	s.AddListener("A", "L1", 1)
	s.AddListener("A", "L2", 1)
	appendN(t, s, "A", 1)

	e, _ := s.Get("A", 1)
	if e.State != Pending {
		t.Fatalf("Expected pending entry, got %s", e.State)
	}

	state, ok := s.Confirm("A", 1, "L1")
	if !ok {
		t.Fatal("Expected entry to be found")
	}
	if state != Pending {
		t.Errorf("Expected entry pending until every listener confirms, got %s", state)
	}

	state, _ = s.Confirm("A", 1, "L2")
	if state != Confirmed {
		t.Errorf("Expected confirmed entry, got %s", state)
	}

	state, _ = s.Confirm("A", 1, "L2")
	if state != Confirmed {
		t.Errorf("Expected repeated confirm to keep state confirmed, got %s", state)
	}

	if _, ok := s.Confirm("A", 9, "L1"); ok {
		t.Error("Expected unknown sequence to report not found")
	}
}

func TestStoreConfirmUnknownListener(t *testing.T) {
	s := New()
	appendN(t, s, "A", 1)

	state, ok := s.Confirm("A", 1, "late")
	if !ok || state != Confirmed {
		t.Errorf("Expected late listener confirm to confirm the entry, got %s %v", state, ok)
	}
}

func TestStoreAddListenerIdempotent(t *testing.T) {
	s := New()
	appendN(t, s, "A", 3)

	if !s.AddListener("A", "L", 2) {
		t.Error("Expected first AddListener to report a new listener")
	}
	if s.AddListener("A", "L", 2) {
		t.Error("Expected duplicate AddListener to be a no-op")
	}

	e1, _ := s.Get("A", 1)
	if _, ok := e1.Listeners["L"]; ok {
		t.Error("Expected entry before fromSeq not to track the listener")
	}
	e2, _ := s.Get("A", 2)
	if e2.Listeners["L"] != Pending {
		t.Error("Expected entry at fromSeq to be owed to the listener")
	}
}

func TestStoreRemoveListener(t *testing.T) {
	s := New()
	s.AddListener("A", "L1", 1)
	s.AddListener("A", "L2", 1)
	appendN(t, s, "A", 1)
	s.Confirm("A", 1, "L1")

	if !s.RemoveListener("A", "L2") {
		t.Fatal("Expected RemoveListener to report a known listener")
	}

	e, _ := s.Get("A", 1)
	if _, ok := e.Listeners["L2"]; ok {
		t.Error("Expected listener to be removed from entry")
	}
	if e.State != Confirmed {
		t.Errorf("Expected remaining listeners to decide the state, got %s", e.State)
	}

	if s.RemoveListener("A", "unknown") {
		t.Error("Expected unknown listener removal to report false")
	}
	if s.RemoveListener("missing", "L1") {
		t.Error("Expected unknown subject removal to report false")
	}
}

func TestStoreRemoveListenerEverywhere(t *testing.T) {
	s := New()
	s.AddListener("A", "L", 1)
	s.AddListener("B", "L", 1)
	s.AddListener("C", "other", 1)

	subjects := s.RemoveListenerEverywhere("L")
	if len(subjects) != 2 || subjects[0] != "A" || subjects[1] != "B" {
		t.Errorf("Expected [A B], got %v", subjects)
	}
	if len(s.Listeners("A")) != 0 {
		t.Error("Expected no listeners left on A")
	}
}

func TestStoreExpire(t *testing.T) {
	s := New()
	appendN(t, s, "A", 5)
	appendN(t, s, "B", 2)

	removed := s.Expire("A", 3)
	if len(removed) != 3 {
		t.Fatalf("Expected 3 removed entries, got %d", len(removed))
	}
	for _, e := range removed {
		if e.State != Expired {
			t.Errorf("Expected removed entry marked expired, got %s", e.State)
		}
	}

	var seqs []uint64
	s.Review("A", func(e Entry) bool {
		seqs = append(seqs, e.Sequence)
		return false
	})
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Errorf("Expected remaining [4 5], got %v", seqs)
	}
	if s.NextSequence("A") != 6 {
		t.Errorf("Expected sequence counter to survive expiry, got %d", s.NextSequence("A"))
	}
	if len(s.Range("B", 1, 2)) != 2 {
		t.Error("Expected other subjects untouched")
	}
}

func TestStoreDrop(t *testing.T) {
	s := New()
	appendN(t, s, "_CM.req.REPLY.1", 2)
	s.AddListener("_CM.req.REPLY.1", "req", 1)
	appendN(t, s, "B", 1)

	removed := s.Drop("_CM.req.REPLY.1")
	if len(removed) != 2 || removed[0].State != Expired {
		t.Fatalf("Expected 2 expired entries, got %+v", removed)
	}
	if subjects := s.Subjects(">"); len(subjects) != 1 || subjects[0] != "B" {
		t.Errorf("Expected only B left, got %v", subjects)
	}
	if s.NextSequence("_CM.req.REPLY.1") != 1 {
		t.Errorf("Expected sequence counter reset, got %d", s.NextSequence("_CM.req.REPLY.1"))
	}
	if s.Drop("unknown") != nil {
		t.Error("Expected nothing dropped for an unknown subject")
	}
}

func TestStoreExpireElapsed(t *testing.T) {
	s := New()
	now := time.Now()
	s.Append(Entry{Subject: "A", Sequence: 1, SentAt: now.Add(-2 * time.Second), TimeLimit: time.Second})
	s.Append(Entry{Subject: "A", Sequence: 2, SentAt: now, TimeLimit: time.Second})
	s.Append(Entry{Subject: "A", Sequence: 3, SentAt: now.Add(-time.Hour)})

	removed := s.ExpireElapsed(now)
	if len(removed) != 1 || removed[0].Sequence != 1 {
		t.Fatalf("Expected only sequence 1 to elapse, got %v", removed)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 entries left, got %d", s.Len())
	}
}

func TestStoreReviewPatternAndStop(t *testing.T) {
	s := New()
	appendN(t, s, "orders.eu", 2)
	appendN(t, s, "orders.us", 2)
	appendN(t, s, "billing", 1)

	count := 0
	s.Review("orders.*", func(e Entry) bool {
		count++
		return false
	})
	if count != 4 {
		t.Errorf("Expected 4 reviewed entries, got %d", count)
	}

	count = 0
	s.Review(">", func(e Entry) bool {
		count++
		return count == 2
	})
	if count != 2 {
		t.Errorf("Expected review to stop after 2 entries, got %d", count)
	}
}

func TestStoreSubjects(t *testing.T) {
	s := New()
	appendN(t, s, "orders.us", 1)
	appendN(t, s, "orders.eu", 1)
	s.AddListener("billing", "L", 1)

	got := s.Subjects("orders.*")
	if len(got) != 2 || got[0] != "orders.eu" || got[1] != "orders.us" {
		t.Errorf("Expected [orders.eu orders.us], got %v", got)
	}
	if got := s.Subjects(">"); len(got) != 3 {
		t.Errorf("Expected 3 subjects, got %v", got)
	}
}

func TestStoreReviewReturnsCopies(t *testing.T) {
	s := New()
	s.AddListener("A", "L", 1)
	appendN(t, s, "A", 1)

	s.Review("A", func(e Entry) bool {
		e.Listeners["L"] = Confirmed
		return false
	})

	e, _ := s.Get("A", 1)
	if e.Listeners["L"] != Pending {
		t.Error("Expected review callback mutation not to leak into the store")
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	s := New()
	s.AddListener("A", "L", 1)
	appendN(t, s, "A", 3)
	s.Confirm("A", 2, "L")
	s.SetWatermarks([]Watermark{{Sender: "S", Subject: "X", Sequence: 7}})

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() failed: %v", err)
	}

	loaded := New()
	if _, err := loaded.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() failed: %v", err)
	}

	if loaded.NextSequence("A") != 4 {
		t.Errorf("Expected next sequence 4, got %d", loaded.NextSequence("A"))
	}
	e, ok := loaded.Get("A", 2)
	if !ok || e.State != Confirmed {
		t.Errorf("Expected confirmed entry 2 after reload, got %+v", e)
	}
	if ls := loaded.Listeners("A"); len(ls) != 1 || ls[0] != "L" {
		t.Errorf("Expected listener L after reload, got %v", ls)
	}
	if w := loaded.Watermarks(); len(w) != 1 || w[0].Sequence != 7 {
		t.Errorf("Expected watermark to survive, got %v", w)
	}
}

func TestOpenSyncModePersistsOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.ledger")

	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	appendN(t, s, "A", 3)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	reopened, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open() after restart failed: %v", err)
	}
	if reopened.NextSequence("A") != 4 {
		t.Errorf("Expected sequence to resume at 4, got %d", reopened.NextSequence("A"))
	}
}

func TestOpenWithoutSyncModeWritesOnSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.ledger")

	s, _ := Open(path, false)
	appendN(t, s, "A", 2)
	s.Commit()

	fresh, _ := Open(path, false)
	if fresh.NextSequence("A") != 1 {
		t.Errorf("Expected commit without sync mode not to write, got next %d", fresh.NextSequence("A"))
	}

	if err := s.Sync(); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	synced, _ := Open(path, false)
	if synced.NextSequence("A") != 3 {
		t.Errorf("Expected next sequence 3 after Sync, got %d", synced.NextSequence("A"))
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ledger")
	s := New()
	s.path = path
	s.syncMode = true
	appendN(t, s, "A", 1)
	s.Sync()

	if err := os.WriteFile(path, []byte("not a ledger"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, true); err == nil {
		t.Error("Expected corrupt ledger file to fail to open")
	}
}

func BenchmarkStoreAppend(b *testing.B) {
	s := New()
	s.AddListener("A", "L", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Append(Entry{Subject: "A", Sequence: s.NextSequence("A")})
	}
}
