package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is written into every ledger file.
const FormatVersion = 1

type snapshot struct {
	Version    int               `msgpack:"version"`
	Subjects   []subjectSnapshot `msgpack:"subjects"`
	Watermarks []Watermark       `msgpack:"watermarks,omitempty"`
}

type subjectSnapshot struct {
	Subject      string   `msgpack:"subject"`
	LastSequence uint64   `msgpack:"lastSeq"`
	Listeners    []string `msgpack:"listeners,omitempty"`
	Entries      []Entry  `msgpack:"entries,omitempty"`
}

func (s *Store) snapshot() *snapshot {
	snap := &snapshot{Version: FormatVersion, Watermarks: s.watermarks}
	for _, name := range s.subjectNames() {
		l := s.subjects[name]
		ss := subjectSnapshot{
			Subject:      name,
			LastSequence: l.lastSequence,
			Listeners:    s.Listeners(name),
			Entries:      make([]Entry, 0, len(l.entries)),
		}
		for _, e := range l.entries {
			ss.Entries = append(ss.Entries, *e)
		}
		snap.Subjects = append(snap.Subjects, ss)
	}
	return snap
}

func (s *Store) restore(snap *snapshot) {
	s.subjects = make(map[string]*subjectLedger, len(snap.Subjects))
	for _, ss := range snap.Subjects {
		l := s.subject(ss.Subject)
		l.lastSequence = ss.LastSequence
		for _, name := range ss.Listeners {
			l.listeners[name] = struct{}{}
		}
		for i := range ss.Entries {
			e := ss.Entries[i]
			l.entries = append(l.entries, &e)
		}
	}
	s.watermarks = snap.Watermarks
}

// WriteTo encodes the store as a zstd compressed msgpack snapshot.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw, err := zstd.NewWriter(cw)
	if err != nil {
		return cw.n, err
	}
	if err := msgpack.NewEncoder(zw).Encode(s.snapshot()); err != nil {
		zw.Close()
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadFrom replaces the store's contents with a snapshot written by WriteTo.
func (s *Store) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	zr, err := zstd.NewReader(cr)
	if err != nil {
		return cr.n, err
	}
	defer zr.Close()

	var snap snapshot
	if err := msgpack.NewDecoder(zr).Decode(&snap); err != nil {
		return cr.n, fmt.Errorf("decode ledger: %w", err)
	}
	if snap.Version != FormatVersion {
		return cr.n, fmt.Errorf("ledger format version %d not supported", snap.Version)
	}
	s.restore(&snap)
	s.dirty = false
	return cr.n, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := s.ReadFrom(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("load ledger %s: %w", s.path, err)
	}
	s.logger.Debug().Str("path", s.path).Int("entries", s.Len()).Msg("ledger loaded")
	return nil
}

func (s *Store) write() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write ledger %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	if _, err := s.WriteTo(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger %s: %w", s.path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write ledger %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace ledger %s: %w", s.path, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
