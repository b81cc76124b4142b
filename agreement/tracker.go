// Package agreement tracks, on the receiving side of certified delivery, what
// has been delivered and confirmed from each sender on each subject.
//
// For every (sender, subject) pair the tracker keeps a watermark: the highest
// sequence such that it and every sequence below it have been confirmed.
// Sequences above the watermark are either delivered (awaiting confirmation,
// or confirmed out of order) or missing. The watermark only advances across
// contiguously confirmed sequences.
//
// A Tracker is not safe for concurrent use.
package agreement

import (
	"slices"
	"sort"
	"time"

	"github.com/RobertWHurst/certify/subject"
)

// Verdict classifies an observed sequence.
type Verdict int

const (
	// Deliver means the message is new and contiguous with what was seen.
	Deliver Verdict = iota
	// Gap means the message is new but sequences before it were never seen.
	Gap
	// Duplicate means the message was already delivered and is still awaiting
	// confirmation.
	Duplicate
	// DuplicateConfirmed means the message was already delivered and
	// confirmed; the sender may have missed the confirmation.
	DuplicateConfirmed
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Gap:
		return "gap"
	case Duplicate:
		return "duplicate"
	case DuplicateConfirmed:
		return "duplicate-confirmed"
	default:
		return "unknown"
	}
}

// Observation is the result of Observe.
type Observation struct {
	Verdict Verdict
	// First is set when this was the first message seen from the sender on
	// the subject.
	First bool
	// MissingFrom and MissingTo bound the sequences found missing when
	// Verdict is Gap.
	MissingFrom uint64
	MissingTo   uint64
}

// Key identifies one agreement.
type Key struct {
	Sender  string
	Subject string
}

// Watermark is the persisted form of an agreement.
type Watermark struct {
	Sender   string
	Subject  string
	Sequence uint64
}

// Range is an inclusive run of sequences.
type Range struct {
	Key
	From uint64
	To   uint64
}

// span is an inclusive run of missing sequences.
type span struct {
	from, to uint64
}

type state struct {
	watermark uint64
	highest   uint64
	delivered map[uint64]bool
	// missing is sorted by from; spans never overlap or touch.
	missing      []span
	lastActivity time.Time
}

func newState(watermark uint64) *state {
	return &state{
		watermark: watermark,
		highest:   watermark,
		delivered: make(map[uint64]bool),
	}
}

func (s *state) addMissing(from, to uint64) {
	s.missing = append(s.missing, span{from: from, to: to})
	sort.Slice(s.missing, func(i, j int) bool { return s.missing[i].from < s.missing[j].from })
	merged := s.missing[:0]
	for _, sp := range s.missing {
		if n := len(merged); n > 0 && sp.from <= merged[n-1].to+1 {
			if sp.to > merged[n-1].to {
				merged[n-1].to = sp.to
			}
			continue
		}
		merged = append(merged, sp)
	}
	s.missing = merged
}

func (s *state) removeMissing(seq uint64) {
	i := sort.Search(len(s.missing), func(i int) bool { return s.missing[i].to >= seq })
	if i == len(s.missing) || s.missing[i].from > seq {
		return
	}
	sp := s.missing[i]
	switch {
	case sp.from == sp.to:
		s.missing = slices.Delete(s.missing, i, i+1)
	case seq == sp.from:
		s.missing[i].from++
	case seq == sp.to:
		s.missing[i].to--
	default:
		s.missing[i].to = seq - 1
		s.missing = slices.Insert(s.missing, i+1, span{from: seq + 1, to: sp.to})
	}
}

func (s *state) advance() {
	for {
		next := s.watermark + 1
		confirmed, ok := s.delivered[next]
		if !ok || !confirmed {
			return
		}
		delete(s.delivered, next)
		s.watermark = next
	}
}

type Tracker struct {
	states map[Key]*state
}

func NewTracker() *Tracker {
	return &Tracker{states: make(map[Key]*state)}
}

// Observe records the arrival of seq from sender on subj and classifies it.
// A first message from an unknown sender starts the agreement at that
// sequence; an agreement restored with Import treats anything past its
// watermark as missing.
func (t *Tracker) Observe(sender, subj string, seq uint64, now time.Time) Observation {
	key := Key{Sender: sender, Subject: subj}
	st, ok := t.states[key]
	obs := Observation{Verdict: Deliver}
	if !ok {
		var start uint64
		if seq > 0 {
			start = seq - 1
		}
		st = newState(start)
		t.states[key] = st
		obs.First = true
	}
	st.lastActivity = now

	if seq <= st.watermark {
		obs.Verdict = DuplicateConfirmed
		return obs
	}
	if confirmed, seen := st.delivered[seq]; seen {
		if confirmed {
			obs.Verdict = DuplicateConfirmed
		} else {
			obs.Verdict = Duplicate
		}
		return obs
	}

	if seq > st.highest+1 {
		obs.Verdict = Gap
		obs.MissingFrom = st.highest + 1
		obs.MissingTo = seq - 1
		st.addMissing(obs.MissingFrom, obs.MissingTo)
	}
	st.removeMissing(seq)
	st.delivered[seq] = false
	if seq > st.highest {
		st.highest = seq
	}
	return obs
}

// Confirm marks seq confirmed and advances the watermark when possible. It
// reports whether the call changed anything.
func (t *Tracker) Confirm(sender, subj string, seq uint64) bool {
	st, ok := t.states[Key{Sender: sender, Subject: subj}]
	if !ok || seq <= st.watermark {
		return false
	}
	confirmed, seen := st.delivered[seq]
	if !seen || confirmed {
		return false
	}
	st.delivered[seq] = true
	st.advance()
	return true
}

// Confirmed reports whether seq from sender on subj has been confirmed.
func (t *Tracker) Confirmed(sender, subj string, seq uint64) bool {
	st, ok := t.states[Key{Sender: sender, Subject: subj}]
	if !ok {
		return false
	}
	return seq <= st.watermark || st.delivered[seq]
}

// Known reports whether an agreement exists for sender on subj.
func (t *Tracker) Known(sender, subj string) bool {
	_, ok := t.states[Key{Sender: sender, Subject: subj}]
	return ok
}

// Watermark returns the agreement's watermark.
func (t *Tracker) Watermark(sender, subj string) (uint64, bool) {
	st, ok := t.states[Key{Sender: sender, Subject: subj}]
	if !ok {
		return 0, false
	}
	return st.watermark, true
}

// Pending returns the delivered but unconfirmed sequences, ascending.
func (t *Tracker) Pending(sender, subj string) []uint64 {
	st, ok := t.states[Key{Sender: sender, Subject: subj}]
	if !ok {
		return nil
	}
	var out []uint64
	for seq, confirmed := range st.delivered {
		if !confirmed {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the runs of sequences known to be missing, ascending.
func (t *Tracker) Missing(sender, subj string) []Range {
	key := Key{Sender: sender, Subject: subj}
	st, ok := t.states[key]
	if !ok {
		return nil
	}
	out := make([]Range, 0, len(st.missing))
	for _, sp := range st.missing {
		out = append(out, Range{Key: key, From: sp.from, To: sp.to})
	}
	return out
}

// Reopen turns every delivered but unconfirmed sequence on subjects matching
// pattern back into a missing one, so it will be delivered again when it is
// retransmitted. It returns the range to request per agreement.
func (t *Tracker) Reopen(pattern string) []Range {
	var out []Range
	for _, key := range t.keys() {
		if !subject.Match(pattern, key.Subject) {
			continue
		}
		st := t.states[key]
		var r Range
		for seq, confirmed := range st.delivered {
			if confirmed {
				continue
			}
			delete(st.delivered, seq)
			st.addMissing(seq, seq)
			if r.From == 0 || seq < r.From {
				r.From = seq
			}
			if seq > r.To {
				r.To = seq
			}
		}
		if r.From != 0 {
			r.Key = key
			out = append(out, r)
		}
	}
	return out
}

// Forget drops the agreement for sender on subj.
func (t *Tracker) Forget(sender, subj string) {
	delete(t.states, Key{Sender: sender, Subject: subj})
}

// ForgetSubject drops every agreement whose subject matches pattern and
// returns their keys.
func (t *Tracker) ForgetSubject(pattern string) []Key {
	var out []Key
	for _, key := range t.keys() {
		if subject.Match(pattern, key.Subject) {
			delete(t.states, key)
			out = append(out, key)
		}
	}
	return out
}

// Keys returns the keys of agreements whose subject matches pattern.
func (t *Tracker) Keys(pattern string) []Key {
	var out []Key
	for _, key := range t.keys() {
		if subject.Match(pattern, key.Subject) {
			out = append(out, key)
		}
	}
	return out
}

// DiscardInactive drops agreements with no activity since before and
// returns their keys.
func (t *Tracker) DiscardInactive(before time.Time) []Key {
	var out []Key
	for _, key := range t.keys() {
		if t.states[key].lastActivity.Before(before) {
			delete(t.states, key)
			out = append(out, key)
		}
	}
	return out
}

// Export returns every agreement's watermark, sorted by sender and subject.
func (t *Tracker) Export() []Watermark {
	keys := t.keys()
	out := make([]Watermark, 0, len(keys))
	for _, key := range keys {
		out = append(out, Watermark{Sender: key.Sender, Subject: key.Subject, Sequence: t.states[key].watermark})
	}
	return out
}

// Import restores agreements from watermarks. Existing agreements for the
// same keys are replaced.
func (t *Tracker) Import(ws []Watermark, now time.Time) {
	for _, w := range ws {
		st := newState(w.Sequence)
		st.lastActivity = now
		t.states[Key{Sender: w.Sender, Subject: w.Subject}] = st
	}
}

// Len returns the number of agreements.
func (t *Tracker) Len() int {
	return len(t.states)
}

func (t *Tracker) keys() []Key {
	keys := make([]Key, 0, len(t.states))
	for key := range t.states {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sender != keys[j].Sender {
			return keys[i].Sender < keys[j].Sender
		}
		return keys[i].Subject < keys[j].Subject
	})
	return keys
}
