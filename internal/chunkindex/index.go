// Package chunkindex maintains, per dataset, an ordered, append-only list
// of data chunks refreshed from object storage, and answers point/next
// lookups against a stable snapshot.
package chunkindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/objectstore"
	"github.com/subsquid/query-gateway/internal/types"
)

// datasetEntry is the immutable chunk list swapped in on every successful
// update, using the same atomic.Value-swap discipline as other swapped
// session/snapshot pointers in this codebase.
type datasetEntry struct {
	bucket string
	chunks []types.DataChunk // sorted ascending by FirstBlock
}

// Index tracks chunk lists for a fixed set of datasets. Reads never block
// behind an in-progress update: each dataset's chunk list is a pointer
// swapped atomically, so find/next observe a consistent snapshot.
type Index struct {
	lister objectstore.ChunkLister
	logger gwlog.Logger

	mu       sync.Mutex // guards the datasets map itself, not its values
	datasets map[types.DatasetId]*atomic.Value
}

// New builds an empty Index backed by lister.
func New(lister objectstore.ChunkLister, logger gwlog.Logger) *Index {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	return &Index{
		lister:   lister,
		logger:   logger,
		datasets: make(map[types.DatasetId]*atomic.Value),
	}
}

// Track registers a dataset for updates, deriving its bucket name from the
// s3:// source URL. A dataset tracked twice is a no-op.
func (idx *Index) Track(id types.DatasetId, sourceURL string) error {
	bucket, ok := objectstore.BucketFromURL(sourceURL)
	if !ok {
		return fmt.Errorf("dataset %s: source url %q is not an s3:// url", id, sourceURL)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.datasets[id]; exists {
		return nil
	}
	v := &atomic.Value{}
	v.Store(&datasetEntry{bucket: bucket})
	idx.datasets[id] = v
	return nil
}

// Find returns the chunk covering block in dataset, via a partition-point
// search for the first chunk whose LastBlock >= block.
func (idx *Index) Find(dataset types.DatasetId, block uint64) (types.DataChunk, bool) {
	entry := idx.load(dataset)
	if entry == nil || len(entry.chunks) == 0 {
		return types.DataChunk{}, false
	}
	if block < entry.chunks[0].FirstBlock {
		return types.DataChunk{}, false
	}
	i := sort.Search(len(entry.chunks), func(i int) bool {
		return entry.chunks[i].LastBlock >= block
	})
	if i >= len(entry.chunks) {
		return types.DataChunk{}, false
	}
	chunk := entry.chunks[i]
	if chunk.FirstBlock > block {
		return types.DataChunk{}, false
	}
	return chunk, true
}

// Next returns the chunk immediately following chunk in dataset.
func (idx *Index) Next(dataset types.DatasetId, chunk types.DataChunk) (types.DataChunk, bool) {
	return idx.Find(dataset, chunk.LastBlock+1)
}

// Height returns the highest LastBlock known for dataset.
func (idx *Index) Height(dataset types.DatasetId) (uint64, bool) {
	entry := idx.load(dataset)
	if entry == nil || len(entry.chunks) == 0 {
		return 0, false
	}
	return entry.chunks[len(entry.chunks)-1].LastBlock, true
}

func (idx *Index) load(dataset types.DatasetId) *datasetEntry {
	idx.mu.Lock()
	v, ok := idx.datasets[dataset]
	idx.mu.Unlock()
	if !ok {
		return nil
	}
	e, _ := v.Load().(*datasetEntry)
	return e
}

// RefreshAll lists new chunks for every tracked dataset and appends them in
// order. One dataset's listing failure is logged and does not abort the
// sweep over the others.
func (idx *Index) RefreshAll(ctx context.Context) error {
	idx.mu.Lock()
	ids := make([]types.DatasetId, 0, len(idx.datasets))
	for id := range idx.datasets {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	for _, id := range ids {
		if err := idx.refreshOne(ctx, id); err != nil {
			idx.logger.Log(gwlog.LevelWarn, "dataset refresh failed", "dataset", id, "err", err)
		}
	}
	return nil
}

func (idx *Index) refreshOne(ctx context.Context, id types.DatasetId) error {
	idx.mu.Lock()
	v := idx.datasets[id]
	idx.mu.Unlock()
	current, _ := v.Load().(*datasetEntry)
	if current == nil {
		return fmt.Errorf("dataset %s not tracked", id)
	}

	var highest uint64
	if len(current.chunks) > 0 {
		highest = current.chunks[len(current.chunks)-1].LastBlock
	}

	keys, err := idx.lister.ListNewChunks(ctx, current.bucket, highest)
	if err != nil {
		return fmt.Errorf("listing bucket %s: %w", current.bucket, err)
	}
	if len(keys) == 0 {
		return nil
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].FirstBlock < keys[j].FirstBlock })

	next := &datasetEntry{
		bucket: current.bucket,
		chunks: make([]types.DataChunk, len(current.chunks), len(current.chunks)+len(keys)),
	}
	copy(next.chunks, current.chunks)
	for _, k := range keys {
		next.chunks = append(next.chunks, types.DataChunk{
			FirstBlock: k.FirstBlock,
			LastBlock:  k.LastBlock,
			ObjectKey:  k.Key,
		})
	}

	idx.logger.Log(gwlog.LevelInfo, "found new chunks", "dataset", id, "count", len(keys))
	v.Store(next)
	return nil
}
