// Package netstate composes the chunk index (C1) and worker registry (C2)
// into eligible-worker lookup and selection (C3).
package netstate

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/subsquid/query-gateway/internal/chunkindex"
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/types"
)

// State answers "which worker should serve (dataset, block)?" by composing
// the chunk index and the worker registry.
type State struct {
	chunks *chunkindex.Index
	reg    *registry.Registry
}

// New builds a State over the given chunk index and worker registry.
func New(chunks *chunkindex.Index, reg *registry.Registry) *State {
	return &State{chunks: chunks, reg: reg}
}

// DatasetSummary is one row of State.Summary's observability table.
type DatasetSummary struct {
	Dataset              types.DatasetId
	KnownHeight          uint64
	EligibleWorkerCount  int
}

// FindWorker enumerates eligible workers for (dataset, block) and selects
// the one with the highest priority, breaking ties with a deterministic
// hash of (peer, dataset, block) so load spreads evenly across equally
// good candidates. excluding lists peers already tried for this chunk.
func (s *State) FindWorker(dataset types.DatasetId, block uint64, excluding map[types.WorkerId]bool) (types.WorkerId, bool) {
	var best types.WorkerId
	var bestPriority int
	var bestHash uint64
	found := false

	for _, id := range s.reg.All() {
		if excluding[id] {
			continue
		}
		if !s.reg.IsEligible(id, dataset, block) {
			continue
		}
		snap, ok := s.reg.Snapshot(id)
		if !ok {
			continue
		}
		h := tiebreakHash(id, dataset, block)
		if !found || snap.Priority > bestPriority || (snap.Priority == bestPriority && h > bestHash) {
			best = id
			bestPriority = snap.Priority
			bestHash = h
			found = true
		}
	}
	return best, found
}

// Height returns the known height for dataset: the max range end across
// all eligible workers' stored ranges, or false if no worker has any.
func (s *State) Height(dataset types.DatasetId) (uint64, bool) {
	var max uint64
	found := false
	for _, id := range s.reg.All() {
		snap, ok := s.reg.Snapshot(id)
		if !ok {
			continue
		}
		end, hasRanges := snap.MaxEnd(dataset)
		if !hasRanges {
			continue
		}
		if !s.reg.IsEligible(id, dataset, end) {
			continue
		}
		if !found || end > max {
			max = end
			found = true
		}
	}
	return max, found
}

// Summary returns a (dataset, known-height, eligible-worker-count) table
// for observability, sorted by dataset id for stable output.
func (s *State) Summary(datasets []types.DatasetId) []DatasetSummary {
	out := make([]DatasetSummary, 0, len(datasets))
	for _, ds := range datasets {
		height, _ := s.Height(ds)
		count := 0
		for _, id := range s.reg.All() {
			// A worker counts as "eligible" for the summary if it is fresh,
			// non-greylisted, allocation-available, and covers either block 0
			// or the dataset's known height.
			if s.reg.IsEligible(id, ds, 0) {
				count++
				continue
			}
			if height > 0 && s.reg.IsEligible(id, ds, height) {
				count++
			}
		}
		out = append(out, DatasetSummary{Dataset: ds, KnownHeight: height, EligibleWorkerCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out
}

func tiebreakHash(peer types.WorkerId, dataset types.DatasetId, block uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(peer))
	h.Write([]byte(dataset))
	h.Write([]byte(strconv.FormatUint(block, 10)))
	return h.Sum64()
}
