package types

import "time"

// WorkerId is an opaque P2P peer identity.
type WorkerId string

// StoredRange is one [Begin,End] range a worker reports holding for a
// dataset, as carried in a Ping message.
type StoredRange = BlockRange

// WorkerState is the registry's view of one worker, updated by pings and by
// dispatcher outcome callbacks. Zero value is not meaningful; use
// NewWorkerState.
type WorkerState struct {
	Id      WorkerId
	Version string

	// StoredRanges maps a dataset to its ordered, non-overlapping ranges as
	// of the worker's most recent ping.
	StoredRanges map[DatasetId][]BlockRange

	LastSeen               time.Time
	GreylistUntil          time.Time
	MissingAllocationUntil time.Time
	Priority               int
}

// NewWorkerState builds a freshly registered worker with neutral priority.
func NewWorkerState(id WorkerId) *WorkerState {
	return &WorkerState{
		Id:           id,
		StoredRanges: make(map[DatasetId][]BlockRange),
	}
}

// Covers reports whether the worker's last-known ranges for dataset cover
// block.
func (w *WorkerState) Covers(dataset DatasetId, block uint64) bool {
	for _, r := range w.StoredRanges[dataset] {
		if r.Covers(block) {
			return true
		}
	}
	return false
}

// MaxEnd returns the highest End among the worker's ranges for dataset, and
// whether any range exists at all.
func (w *WorkerState) MaxEnd(dataset DatasetId) (uint64, bool) {
	ranges := w.StoredRanges[dataset]
	if len(ranges) == 0 {
		return 0, false
	}
	var max uint64
	for _, r := range ranges {
		if r.End > max {
			max = r.End
		}
	}
	return max, true
}

// IsGreylisted reports whether the worker is currently excluded from
// selection.
func (w *WorkerState) IsGreylisted(now time.Time) bool {
	return w.GreylistUntil.After(now)
}

// LacksAllocation reports whether the worker's negative allocation cache is
// still in effect.
func (w *WorkerState) LacksAllocation(now time.Time) bool {
	return w.MissingAllocationUntil.After(now)
}

// IsFresh reports whether the worker has been seen within threshold.
func (w *WorkerState) IsFresh(now time.Time, threshold time.Duration) bool {
	if w.LastSeen.IsZero() {
		return false
	}
	return now.Sub(w.LastSeen) <= threshold
}
