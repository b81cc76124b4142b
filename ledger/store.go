// Package ledger records the certified messages a transport has sent, which
// listeners each message is owed to, and whether those listeners have
// confirmed it. A Store optionally persists itself to a file so sequence
// numbering and outstanding agreements survive a restart.
//
// A Store is not safe for concurrent use; the owning transport serialises
// access with its own lock.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RobertWHurst/certify/subject"
	"github.com/rs/zerolog"
)

// State is the confirmation state of a ledger entry, or of one listener's
// share of it.
type State int

const (
	Pending State = iota
	Confirmed
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrSequence is returned by Append when an entry does not continue the
// subject's sequence.
var ErrSequence = errors.New("ledger: sequence out of order")

// Entry is one sent certified message.
type Entry struct {
	Subject   string           `msgpack:"subject"`
	Sender    string           `msgpack:"sender"`
	Sequence  uint64           `msgpack:"seq"`
	State     State            `msgpack:"state"`
	Listeners map[string]State `msgpack:"listeners,omitempty"`
	SentAt    time.Time        `msgpack:"sentAt"`
	TimeLimit time.Duration    `msgpack:"timeLimit,omitempty"`
	Data      []byte           `msgpack:"data,omitempty"`
}

// Elapsed reports whether the entry's time limit has passed at now. Entries
// without a time limit never elapse.
func (e *Entry) Elapsed(now time.Time) bool {
	return e.TimeLimit > 0 && now.Sub(e.SentAt) >= e.TimeLimit
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Listeners != nil {
		c.Listeners = make(map[string]State, len(e.Listeners))
		for k, v := range e.Listeners {
			c.Listeners[k] = v
		}
	}
	return c
}

func (e *Entry) recompute() {
	if len(e.Listeners) == 0 {
		return
	}
	for _, s := range e.Listeners {
		if s != Confirmed {
			e.State = Pending
			return
		}
	}
	e.State = Confirmed
}

// Watermark is a persisted receive-side agreement: the highest contiguously
// confirmed sequence from sender on subject.
type Watermark struct {
	Sender   string `msgpack:"sender"`
	Subject  string `msgpack:"subject"`
	Sequence uint64 `msgpack:"seq"`
}

type subjectLedger struct {
	lastSequence uint64
	listeners    map[string]struct{}
	entries      []*Entry
}

func (l *subjectLedger) find(seq uint64) *Entry {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Sequence >= seq })
	if i < len(l.entries) && l.entries[i].Sequence == seq {
		return l.entries[i]
	}
	return nil
}

type Option func(*Store)

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type Store struct {
	path       string
	syncMode   bool
	subjects   map[string]*subjectLedger
	watermarks []Watermark
	dirty      bool
	logger     zerolog.Logger
}

// New returns an in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		subjects: make(map[string]*subjectLedger),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a store persisted at path, loading any existing contents.
// With syncMode set every Commit writes the file.
func Open(path string, syncMode bool, opts ...Option) (*Store, error) {
	s := New(opts...)
	s.path = path
	s.syncMode = syncMode
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) subject(name string) *subjectLedger {
	l, ok := s.subjects[name]
	if !ok {
		l = &subjectLedger{listeners: make(map[string]struct{})}
		s.subjects[name] = l
	}
	return l
}

// NextSequence returns the sequence the next message on subj will carry.
func (s *Store) NextSequence(subj string) uint64 {
	if l, ok := s.subjects[subj]; ok {
		return l.lastSequence + 1
	}
	return 1
}

// LastSequence returns the last sequence assigned on subj, or 0.
func (s *Store) LastSequence(subj string) uint64 {
	if l, ok := s.subjects[subj]; ok {
		return l.lastSequence
	}
	return 0
}

// Append records a newly sent message. The entry's sequence must be
// NextSequence(e.Subject). Every listener registered on the subject is owed
// the message.
func (s *Store) Append(e Entry) error {
	l := s.subject(e.Subject)
	if e.Sequence != l.lastSequence+1 {
		return fmt.Errorf("%w: subject %s expected %d, got %d", ErrSequence, e.Subject, l.lastSequence+1, e.Sequence)
	}
	entry := e.clone()
	entry.State = Pending
	if len(l.listeners) > 0 {
		entry.Listeners = make(map[string]State, len(l.listeners))
		for name := range l.listeners {
			entry.Listeners[name] = Pending
		}
	}
	l.lastSequence = e.Sequence
	l.entries = append(l.entries, &entry)
	s.dirty = true
	return nil
}

// Confirm records that listener confirmed seq on subj. A listener the entry
// did not know about yet is added as confirmed. It returns the entry's
// resulting state and false when no such entry is retained.
func (s *Store) Confirm(subj string, seq uint64, listener string) (State, bool) {
	l, ok := s.subjects[subj]
	if !ok {
		return Pending, false
	}
	e := l.find(seq)
	if e == nil {
		return Pending, false
	}
	if e.Listeners == nil {
		e.Listeners = make(map[string]State)
	}
	if e.Listeners[listener] != Confirmed {
		e.Listeners[listener] = Confirmed
		e.recompute()
		s.dirty = true
	}
	return e.State, true
}

// AddListener registers listener on subj. Retained entries with sequence at
// or above fromSeq that do not yet track the listener become owed to it. It
// reports whether the listener was newly registered.
func (s *Store) AddListener(subj, listener string, fromSeq uint64) bool {
	l := s.subject(subj)
	_, existed := l.listeners[listener]
	l.listeners[listener] = struct{}{}
	for _, e := range l.entries {
		if e.Sequence < fromSeq {
			continue
		}
		if _, ok := e.Listeners[listener]; ok {
			continue
		}
		if e.Listeners == nil {
			e.Listeners = make(map[string]State)
		}
		e.Listeners[listener] = Pending
		e.recompute()
	}
	s.dirty = true
	return !existed
}

// RemoveListener stops tracking listener on subj. It reports whether the
// listener was known there.
func (s *Store) RemoveListener(subj, listener string) bool {
	l, ok := s.subjects[subj]
	if !ok {
		return false
	}
	_, known := l.listeners[listener]
	delete(l.listeners, listener)
	for _, e := range l.entries {
		if _, ok := e.Listeners[listener]; ok {
			known = true
			delete(e.Listeners, listener)
			e.recompute()
		}
	}
	if known {
		s.dirty = true
	}
	return known
}

// RemoveListenerEverywhere stops tracking listener on every subject and
// returns the subjects it was known on.
func (s *Store) RemoveListenerEverywhere(listener string) []string {
	var subjects []string
	for _, name := range s.subjectNames() {
		if s.RemoveListener(name, listener) {
			subjects = append(subjects, name)
		}
	}
	return subjects
}

// Listeners returns the listeners registered on subj, sorted.
func (s *Store) Listeners(subj string) []string {
	l, ok := s.subjects[subj]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(l.listeners))
	for name := range l.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expire removes every entry on subj with sequence at or below seq and
// returns them marked Expired. The subject's sequence counter is kept.
func (s *Store) Expire(subj string, seq uint64) []Entry {
	l, ok := s.subjects[subj]
	if !ok {
		return nil
	}
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Sequence > seq })
	removed := make([]Entry, 0, i)
	for _, e := range l.entries[:i] {
		c := e.clone()
		c.State = Expired
		removed = append(removed, c)
	}
	l.entries = append([]*Entry(nil), l.entries[i:]...)
	if len(removed) > 0 {
		s.dirty = true
	}
	return removed
}

// Drop forgets subj entirely: its entries, sequence counter and listeners.
// It returns the removed entries marked Expired.
func (s *Store) Drop(subj string) []Entry {
	l, ok := s.subjects[subj]
	if !ok {
		return nil
	}
	removed := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		c := e.clone()
		c.State = Expired
		removed = append(removed, c)
	}
	delete(s.subjects, subj)
	s.dirty = true
	return removed
}

// ExpireElapsed removes every entry whose time limit has passed at now and
// returns them marked Expired.
func (s *Store) ExpireElapsed(now time.Time) []Entry {
	var removed []Entry
	for _, name := range s.subjectNames() {
		l := s.subjects[name]
		kept := l.entries[:0]
		for _, e := range l.entries {
			if e.Elapsed(now) {
				c := e.clone()
				c.State = Expired
				removed = append(removed, c)
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(l.entries); i++ {
			l.entries[i] = nil
		}
		l.entries = kept
	}
	if len(removed) > 0 {
		s.dirty = true
	}
	return removed
}

// Get returns a copy of the entry for subj and seq.
func (s *Store) Get(subj string, seq uint64) (Entry, bool) {
	l, ok := s.subjects[subj]
	if !ok {
		return Entry{}, false
	}
	e := l.find(seq)
	if e == nil {
		return Entry{}, false
	}
	return e.clone(), true
}

// State returns the state of the entry for subj and seq.
func (s *Store) State(subj string, seq uint64) (State, bool) {
	l, ok := s.subjects[subj]
	if !ok {
		return Pending, false
	}
	e := l.find(seq)
	if e == nil {
		return Pending, false
	}
	return e.State, true
}

// Range returns copies of the retained entries on subj with sequence in
// [from, to].
func (s *Store) Range(subj string, from, to uint64) []Entry {
	l, ok := s.subjects[subj]
	if !ok {
		return nil
	}
	var out []Entry
	for _, e := range l.entries {
		if e.Sequence < from {
			continue
		}
		if e.Sequence > to {
			break
		}
		out = append(out, e.clone())
	}
	return out
}

// Review calls fn with a copy of every entry whose subject matches pattern,
// ordered by subject and then sequence, until fn returns true.
func (s *Store) Review(pattern string, fn func(Entry) bool) {
	for _, name := range s.subjectNames() {
		if !subject.Match(pattern, name) {
			continue
		}
		for _, e := range s.subjects[name].entries {
			if fn(e.clone()) {
				return
			}
		}
	}
}

// Subjects returns the known subjects matching pattern, sorted.
func (s *Store) Subjects(pattern string) []string {
	var out []string
	for _, name := range s.subjectNames() {
		if subject.Match(pattern, name) {
			out = append(out, name)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	n := 0
	for _, l := range s.subjects {
		n += len(l.entries)
	}
	return n
}

// Watermarks returns the persisted receive-side agreements.
func (s *Store) Watermarks() []Watermark {
	return append([]Watermark(nil), s.watermarks...)
}

// SetWatermarks replaces the persisted receive-side agreements.
func (s *Store) SetWatermarks(w []Watermark) {
	s.watermarks = append([]Watermark(nil), w...)
	s.dirty = true
}

// Commit writes the file when the store is in sync mode and has unwritten
// changes.
func (s *Store) Commit() error {
	if !s.syncMode || !s.dirty {
		return nil
	}
	return s.Sync()
}

// Sync writes the store to its file regardless of sync mode. It is a no-op
// for in-memory stores.
func (s *Store) Sync() error {
	if s.path == "" {
		s.dirty = false
		return nil
	}
	if err := s.write(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close flushes unwritten changes.
func (s *Store) Close() error {
	if !s.dirty {
		return nil
	}
	return s.Sync()
}

func (s *Store) subjectNames() []string {
	names := make([]string, 0, len(s.subjects))
	for name := range s.subjects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
