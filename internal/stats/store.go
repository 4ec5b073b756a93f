package stats

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrNotCounter  = errors.New("path does not hold a counter")
	ErrInvalidJSON = errors.New("snapshot is not valid JSON")
)

// Recorder receives connection and broker statistics. Recording never
// affects decoding or dispatch.
type Recorder interface {
	Add(path string, delta int64)
}

// Store keeps counters in a single JSON document so a snapshot can be served
// as is. Paths use gjson/sjson syntax, e.g. "conns.sub.bytes_in".
//
// Add only accumulates a delta. Deltas are folded into the document when it
// is next read or written, keeping recording off the hot paths cheap.
type Store struct {
	mu      sync.Mutex
	values  []byte
	pending map[string]int64
}

func NewStore() *Store {
	return &Store{
		values:  []byte("{}"),
		pending: make(map[string]int64),
	}
}

// Incr adds delta to the counter at path, creating it when missing, and
// returns the new value.
func (s *Store) Incr(path string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flush()

	return s.incr(path, delta)
}

// Add implements Recorder. Paths that do not hold counters are ignored.
func (s *Store) Add(path string, delta int64) {
	s.mu.Lock()
	s.pending[path] += delta
	s.mu.Unlock()
}

func (s *Store) Set(path string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flush()

	values, err := sjson.SetBytes(s.values, path, value)
	if err != nil {
		return err
	}
	s.values = values

	return nil
}

// Get returns the counter at path, zero when it was never recorded.
func (s *Store) Get(path string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flush()

	return gjson.GetBytes(s.values, path).Int()
}

// Snapshot returns a copy of the whole document.
func (s *Store) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flush()

	return append([]byte(nil), s.values...)
}

// Restore replaces the document, dropping deltas not folded in yet.
func (s *Store) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return ErrInvalidJSON
	}

	s.mu.Lock()
	s.values = append([]byte(nil), values...)
	s.pending = make(map[string]int64)
	s.mu.Unlock()

	return nil
}

// flush must be called with mu held.
func (s *Store) flush() {
	for path, delta := range s.pending {
		_, _ = s.incr(path, delta)
		delete(s.pending, path)
	}
}

// incr must be called with mu held.
func (s *Store) incr(path string, delta int64) (int64, error) {
	current := gjson.GetBytes(s.values, path)
	if current.Exists() && current.Type != gjson.Number {
		return 0, fmt.Errorf("'%s' is %v: %w", path, current.Type, ErrNotCounter)
	}

	next := current.Int() + delta

	values, err := sjson.SetBytes(s.values, path, next)
	if err != nil {
		return 0, err
	}
	s.values = values

	return next, nil
}

// Scoped returns a Recorder that prefixes every path with prefix.
func Scoped(r Recorder, prefix string) Recorder {
	if r == nil {
		return nil
	}

	return scoped{r: r, prefix: prefix}
}

type scoped struct {
	r      Recorder
	prefix string
}

func (s scoped) Add(path string, delta int64) {
	s.r.Add(s.prefix+"."+path, delta)
}

var _ Recorder = (*Store)(nil)
