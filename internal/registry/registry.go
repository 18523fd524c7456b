// Package registry implements the worker registry (C2): per-worker state
// tracking stored ranges, freshness, greylisting and allocation
// negative-caching, protected by a reader-writer discipline the way
// go-ethereum's downloader peerSet guards its peer map.
package registry

import (
	"sync"
	"time"

	"github.com/Masterminds/semver"

	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/types"
)

// DefaultGreylistDuration and DefaultAllocationBackoff are the fixed
// durations greylist(peer) and no_allocation(peer) apply; unlike
// WorkerInactiveThreshold, these are not operator-configurable.
const (
	DefaultGreylistDuration  = 60 * time.Second
	DefaultAllocationBackoff = 60 * time.Second
)

// Clock is injected so tests can control time deterministically.
type Clock func() time.Time

// Config holds the fixed durations and bounds the registry enforces.
type Config struct {
	GreylistDuration        time.Duration
	AllocationBackoff       time.Duration
	WorkerInactiveThreshold time.Duration
	MinPriority             int
	MaxPriority             int
	VersionRequirement      *semver.Constraints
}

// Registry owns the live WorkerState map. Writers are the ping handler,
// greylist, no_allocation, and priority-adjustment calls; readers are the
// dispatcher's worker-selection lookups from C3.
type Registry struct {
	cfg    Config
	logger gwlog.Logger
	now    Clock

	mu      sync.RWMutex
	workers map[types.WorkerId]*types.WorkerState
}

// New builds an empty Registry. roster pre-populates the initial set of
// active workers the way the original on-chain roster does at startup.
func New(cfg Config, logger gwlog.Logger, roster []types.WorkerId) *Registry {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		workers: make(map[types.WorkerId]*types.WorkerState, len(roster)),
	}
	for _, id := range roster {
		r.workers[id] = types.NewWorkerState(id)
	}
	return r
}

// HandlePing overwrites a worker's stored ranges on a version-valid ping.
// Pings with an unsupported version are logged and ignored. Two pings from
// the same peer are expected to be delivered to HandlePing in arrival
// order by the transport adapter; this method does not itself serialize
// across peers.
func (r *Registry) HandlePing(peer types.WorkerId, ping types.Ping) {
	if r.cfg.VersionRequirement != nil {
		v, err := semver.NewVersion(ping.Version)
		if err != nil || !r.cfg.VersionRequirement.Check(v) {
			r.logger.Log(gwlog.LevelDebug, "ignoring ping with unsupported version", "peer", peer, "version", ping.Version)
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peer]
	if !ok {
		w = types.NewWorkerState(peer)
		r.workers[peer] = w
	}
	w.Version = ping.Version
	w.StoredRanges = ping.StoredRanges
	w.LastSeen = r.now()
}

// Greylist temporarily excludes peer from selection.
func (r *Registry) Greylist(peer types.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.ensureLocked(peer)
	w.GreylistUntil = r.now().Add(r.cfg.GreylistDuration)
	r.logger.Log(gwlog.LevelInfo, "greylisted worker", "peer", peer, "until", w.GreylistUntil)
}

// NoAllocation negative-caches peer as lacking a compute-unit allocation.
func (r *Registry) NoAllocation(peer types.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.ensureLocked(peer)
	w.MissingAllocationUntil = r.now().Add(r.cfg.AllocationBackoff)
}

// WorkerHasAllocation reports whether peer's negative allocation cache has
// expired.
func (r *Registry) WorkerHasAllocation(peer types.WorkerId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[peer]
	if !ok {
		return true
	}
	return !w.LacksAllocation(r.now())
}

// AdjustPriority clamps peer's priority by delta into [MinPriority,
// MaxPriority]. Driven by the chain-update periodic task.
func (r *Registry) AdjustPriority(peer types.WorkerId, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[peer]
	if !ok {
		return
	}
	w.Priority += delta
	if w.Priority < r.cfg.MinPriority {
		w.Priority = r.cfg.MinPriority
	}
	if w.Priority > r.cfg.MaxPriority {
		w.Priority = r.cfg.MaxPriority
	}
}

// Snapshot returns a read-only copy of a worker's state for eligibility and
// selection checks performed outside the registry's lock.
func (r *Registry) Snapshot(peer types.WorkerId) (types.WorkerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[peer]
	if !ok {
		return types.WorkerState{}, false
	}
	return *w, true
}

// All returns a snapshot slice of every known worker id, for C3 to iterate
// during eligibility enumeration.
func (r *Registry) All() []types.WorkerId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.WorkerId, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// IsEligible implements Invariant 2: freshness, coverage, non-greylisted,
// allocation-available, and (checked on ping, not here) version.
func (r *Registry) IsEligible(peer types.WorkerId, dataset types.DatasetId, block uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[peer]
	if !ok {
		return false
	}
	now := r.now()
	if !w.IsFresh(now, r.cfg.WorkerInactiveThreshold) {
		return false
	}
	if !w.Covers(dataset, block) {
		return false
	}
	if w.IsGreylisted(now) {
		return false
	}
	if w.LacksAllocation(now) {
		return false
	}
	return true
}

func (r *Registry) ensureLocked(peer types.WorkerId) *types.WorkerState {
	w, ok := r.workers[peer]
	if !ok {
		w = types.NewWorkerState(peer)
		r.workers[peer] = w
	}
	return w
}
