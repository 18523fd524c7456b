package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/subsquid/query-gateway/internal/types"
)

// maxRTTSamples bounds the ring buffer per dataset, per the design note
// limiting the quantile computation to <=256 samples.
const maxRTTSamples = 256

// rttTracker maintains a bounded ring buffer of recent successful
// request-response latencies per dataset and answers on-demand quantile
// queries used to compute the adaptive per-chunk timeout.
type rttTracker struct {
	mu      sync.Mutex
	samples map[types.DatasetId][]time.Duration
	next    map[types.DatasetId]int
}

func newRTTTracker() *rttTracker {
	return &rttTracker{
		samples: make(map[types.DatasetId][]time.Duration),
		next:    make(map[types.DatasetId]int),
	}
}

// Observe records a successful response latency for dataset.
func (t *rttTracker) Observe(dataset types.DatasetId, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.samples[dataset]
	if len(buf) < maxRTTSamples {
		t.samples[dataset] = append(buf, d)
		return
	}
	i := t.next[dataset]
	buf[i] = d
	t.next[dataset] = (i + 1) % maxRTTSamples
}

// Quantile returns the q-quantile (0<=q<=1) of recent latencies for
// dataset, or false if no samples have been observed yet.
func (t *rttTracker) Quantile(dataset types.DatasetId, q float64) (time.Duration, bool) {
	t.mu.Lock()
	buf := append([]time.Duration(nil), t.samples[dataset]...)
	t.mu.Unlock()

	if len(buf) == 0 {
		return 0, false
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })

	if q <= 0 {
		return buf[0], true
	}
	if q >= 1 {
		return buf[len(buf)-1], true
	}
	idx := int(q * float64(len(buf)-1))
	return buf[idx], true
}
