// Package outbox makes event delivery to Kafka durable. Events are first
// written to a local pebble database and a relay publishes them in order,
// marking each record as it moves through NEW, SENT, ACKED and FAILED.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// State is the delivery state of an outbox record.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one stored event with its delivery bookkeeping.
type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt time.Time
	Event       domain.Event
}

const (
	keyPrefix  = "outbox/"
	headerSize = 1 + 4 + 8
)

var errCorrupt = errors.New("outbox: corrupt record")

// Store is the pebble-backed outbox.
type Store struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
}

// Option configures Open.
type Option func(*pebble.Options)

// InMemory keeps the database in memory. Records do not survive a restart.
func InMemory() Option {
	return func(o *pebble.Options) { o.FS = vfs.NewMem() }
}

// Open opens or creates the outbox in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	po := &pebble.Options{}
	for _, opt := range opts {
		opt(po)
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	s := &Store{db: db}
	if s.lastSeq, err = s.maxSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) maxSeq() (uint64, error) {
	iter, err := s.db.NewIter(prefixBounds())
	if err != nil {
		return 0, fmt.Errorf("outbox: iter: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// Append stores evt as a NEW record and returns its sequence number.
func (s *Store) Append(evt domain.Event) (uint64, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("outbox: encode %s: %w", evt.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.lastSeq + 1
	if err := s.db.Set(keyFor(seq), encode(StateNew, 0, time.Time{}, payload), pebble.Sync); err != nil {
		return 0, fmt.Errorf("outbox: append %s: %w", evt.ID, err)
	}
	s.lastSeq = seq
	return seq, nil
}

// Mark moves a record to state. Missing records yield domain.ErrNotFound.
func (s *Store) Mark(seq uint64, state State, retries uint32, at time.Time) error {
	key := keyFor(seq)
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("outbox: mark %d: %w", seq, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("outbox: mark %d: %w", seq, err)
	}
	if len(val) < headerSize {
		closer.Close()
		return errCorrupt
	}
	next := encode(state, retries, at, val[headerSize:])
	closer.Close()

	if err := s.db.Set(key, next, pebble.Sync); err != nil {
		return fmt.Errorf("outbox: mark %d: %w", seq, err)
	}
	return nil
}

// Get returns one record.
func (s *Store) Get(seq uint64) (Record, error) {
	val, closer, err := s.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, fmt.Errorf("outbox: get %d: %w", seq, domain.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("outbox: get %d: %w", seq, err)
	}
	defer closer.Close()
	return decode(seq, val)
}

// Scan calls fn for records in any of states, oldest first, stopping after
// limit matches when limit > 0.
func (s *Store) Scan(limit int, fn func(Record) error, states ...State) error {
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	iter, err := s.db.NewIter(prefixBounds())
	if err != nil {
		return fmt.Errorf("outbox: iter: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) < headerSize {
			return errCorrupt
		}
		if len(want) > 0 && !want[State(val[0])] {
			continue
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decode(seq, val)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return iter.Error()
}

// Count returns the number of records in any of states.
func (s *Store) Count(states ...State) (int, error) {
	n := 0
	err := s.Scan(0, func(Record) error { n++; return nil }, states...)
	return n, err
}

// Prune deletes ACKED records whose last attempt is before cutoff.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	var doomed []uint64
	err := s.Scan(0, func(r Record) error {
		if r.LastAttempt.Before(cutoff) {
			doomed = append(doomed, r.Seq)
		}
		return nil
	}, StateAcked)
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, seq := range doomed {
		if err := b.Delete(keyFor(seq), nil); err != nil {
			return 0, fmt.Errorf("outbox: prune %d: %w", seq, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("outbox: prune commit: %w", err)
	}
	return len(doomed), nil
}

// encoding: [state:1][retries:4][lastAttempt unix nanos:8][event json]
func encode(state State, retries uint32, at time.Time, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(state)
	binary.BigEndian.PutUint32(buf[1:5], retries)
	var nanos int64
	if !at.IsZero() {
		nanos = at.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[5:13], uint64(nanos))
	copy(buf[headerSize:], payload)
	return buf
}

func decode(seq uint64, val []byte) (Record, error) {
	if len(val) < headerSize {
		return Record{}, errCorrupt
	}
	rec := Record{
		Seq:     seq,
		State:   State(val[0]),
		Retries: binary.BigEndian.Uint32(val[1:5]),
	}
	if nanos := int64(binary.BigEndian.Uint64(val[5:13])); nanos != 0 {
		rec.LastAttempt = time.Unix(0, nanos).UTC()
	}
	if err := json.Unmarshal(val[headerSize:], &rec.Event); err != nil {
		return Record{}, fmt.Errorf("outbox: decode %d: %w", seq, err)
	}
	return rec, nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(k []byte) (uint64, error) {
	if len(k) <= len(keyPrefix) {
		return 0, errCorrupt
	}
	seq, err := strconv.ParseUint(string(k[len(keyPrefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("outbox: parse key %q: %w", k, err)
	}
	return seq, nil
}

func prefixBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	}
}
