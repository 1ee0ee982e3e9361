package store

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/blesync/blesync/negentropy"
)

// Store is the in-process content store shared by all peer sessions. Reads
// are concurrent; writes are serialised by the mutex.
type Store struct {
	mu     sync.RWMutex
	events map[common.Hash]Event
	order  []common.Hash // insertion order, for stable iteration
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{events: make(map[common.Hash]Event)}
}

// Put inserts an event, verifying its ID. Re-inserting a known id is a
// no-op.
func (s *Store) Put(ev Event) error {
	if err := ev.Verify(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return nil
	}
	s.events[ev.ID] = ev
	s.order = append(s.order, ev.ID)
	return nil
}

// Get returns the event with the given id.
func (s *Store) Get(id common.Hash) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, ErrUnknownEvent
	}
	return ev, nil
}

// Has reports whether the id is present.
func (s *Store) Has(id common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok
}

// Size returns the number of stored events.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// All returns the events in insertion order.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.events[id])
	}
	return out
}

// Snapshot builds a sealed reconciliation vector of the store's current
// (created_at, id) pairs. Each reconciliation round runs over one
// snapshot; events arriving mid-round join the next one.
func (s *Store) Snapshot() (*negentropy.Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := negentropy.NewVector()
	for _, ev := range s.events {
		if err := v.Insert(ev.CreatedAt, ev.ID[:]); err != nil {
			return nil, fmt.Errorf("store: snapshot: %w", err)
		}
	}
	if err := v.Seal(); err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	return v, nil
}

// snapshotFile is the on-disk CBOR layout.
type snapshotFile struct {
	Version int     `cbor:"1,keyasint"`
	Events  []Event `cbor:"2,keyasint"`
}

const snapshotVersion = 1

// SaveFile writes the full event set to path as CBOR. The write goes
// through a temp file and rename so a crash never leaves a torn snapshot.
func (s *Store) SaveFile(path string) error {
	events := s.All()
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID.Cmp(events[j].ID) < 0
	})

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return fmt.Errorf("store: cbor mode: %w", err)
	}
	data, err := enc.Marshal(snapshotFile{Version: snapshotVersion, Events: events})
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}

// LoadFile merges the events persisted at path into the store. A missing
// file is not an error; the store simply starts empty.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("store: unsupported snapshot version %d", snap.Version)
	}
	for _, ev := range snap.Events {
		if err := s.Put(ev); err != nil {
			return fmt.Errorf("store: load event %s: %w", ev.ID, err)
		}
	}
	return nil
}
