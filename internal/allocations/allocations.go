// Package allocations implements the compute-unit gatekeeper (C6): a
// durable, pebble-backed balance per worker, debited before every
// SendQuery and credited back on a compensating release.
package allocations

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/subsquid/query-gateway/internal/types"
)

// Store gatekeeps compute-unit spend per worker against a durable balance.
// A single in-process mutex serializes read-modify-write against pebble,
// since pebble itself gives no atomic increment/decrement primitive.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens (creating if absent) a pebble store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening allocations store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TrySpend atomically debits n compute units from worker's balance,
// returning false if the balance is insufficient. Workers with no prior
// balance record are treated as having zero CUs (nothing succeeds until an
// external allocation grant seeds their key).
func (s *Store) TrySpend(worker types.WorkerId, n uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.getBalance(worker)
	if err != nil {
		return false, err
	}
	if balance < n {
		return false, nil
	}
	return true, s.setBalance(worker, balance-n)
}

// Release credits n compute units back to worker, compensating a failed
// send or a cancelled reservation (Invariant 4).
func (s *Store) Release(worker types.WorkerId, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.getBalance(worker)
	if err != nil {
		return err
	}
	return s.setBalance(worker, balance+n)
}

// Grant sets worker's balance directly, used to seed or top up an
// allocation window from the external allocations source.
func (s *Store) Grant(worker types.WorkerId, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setBalance(worker, n)
}

func (s *Store) getBalance(worker types.WorkerId) (uint64, error) {
	val, closer, err := s.db.Get(key(worker))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance for %s: %w", worker, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt balance record for %s", worker)
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *Store) setBalance(worker types.WorkerId, balance uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, balance)
	if err := s.db.Set(key(worker), buf, pebble.Sync); err != nil {
		return fmt.Errorf("writing balance for %s: %w", worker, err)
	}
	return nil
}

func key(worker types.WorkerId) []byte {
	return []byte("alloc/" + string(worker))
}
