package allocations

import (
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/types"
)

// Gate composes the durable Store with the registry's negative-allocation
// cache: a fast-path check against the cache avoids a pebble round trip for
// workers already known to be out of allocation, and a confirmed
// spend-failure populates that cache for future lookups.
type Gate struct {
	store *Store
	reg   *registry.Registry
}

// NewGate builds a Gate over store and reg.
func NewGate(store *Store, reg *registry.Registry) *Gate {
	return &Gate{store: store, reg: reg}
}

// Reserve attempts to debit n CUs from worker, consulting the registry's
// negative cache first. On a confirmed failure it updates that cache so
// subsequent Selecting attempts skip the worker without hitting the store.
func (g *Gate) Reserve(worker types.WorkerId, n uint64) (bool, error) {
	if !g.reg.WorkerHasAllocation(worker) {
		return false, nil
	}
	ok, err := g.store.TrySpend(worker, n)
	if err != nil {
		return false, err
	}
	if !ok {
		g.reg.NoAllocation(worker)
	}
	return ok, nil
}

// Release compensates a reservation, per Invariant 4.
func (g *Gate) Release(worker types.WorkerId, n uint64) error {
	return g.store.Release(worker, n)
}
