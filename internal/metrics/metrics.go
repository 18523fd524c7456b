// Package metrics holds the process-wide counters (C11). They are recorded
// by the dispatcher (C4); the registry and allocations packages do not
// record metrics.
package metrics

import "sync/atomic"

// Registry is a small set of atomic counters; it has no gauges. It does not
// export anything over the network; that boundary is out of scope (see
// SPEC_FULL.md §4.11).
type Registry struct {
	QueriesDispatched atomic.Int64
	QueriesSucceeded  atomic.Int64
	QueriesFailed     atomic.Int64
	GreylistEvents    atomic.Int64
	AllocationDenials atomic.Int64
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{}
}

// RecordDispatch increments the queries-dispatched counter.
func (r *Registry) RecordDispatch() {
	r.QueriesDispatched.Add(1)
}

// RecordOutcome increments the success or failure counter.
func (r *Registry) RecordOutcome(ok bool) {
	if ok {
		r.QueriesSucceeded.Add(1)
	} else {
		r.QueriesFailed.Add(1)
	}
}

// RecordGreylist increments the greylist-events counter.
func (r *Registry) RecordGreylist() {
	r.GreylistEvents.Add(1)
}

// RecordAllocationDenial increments the allocation-denials counter.
func (r *Registry) RecordAllocationDenial() {
	r.AllocationDenials.Add(1)
}

// Snapshot is a point-in-time read of every counter, for a caller to
// scrape or log.
type Snapshot struct {
	QueriesDispatched int64
	QueriesSucceeded  int64
	QueriesFailed     int64
	GreylistEvents    int64
	AllocationDenials int64
}

// Snapshot reads every counter without resetting it.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		QueriesDispatched: r.QueriesDispatched.Load(),
		QueriesSucceeded:  r.QueriesSucceeded.Load(),
		QueriesFailed:     r.QueriesFailed.Load(),
		GreylistEvents:    r.GreylistEvents.Load(),
		AllocationDenials: r.AllocationDenials.Load(),
	}
}
