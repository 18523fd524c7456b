// Package objectstore provides the boundary interface and S3-compatible
// implementation used by the chunk index to discover new dataset chunks.
package objectstore

import (
	"context"
	"strings"

	"github.com/subsquid/query-gateway/internal/types"
)

// ChunkKey is one object key discovered past a given cursor, ready to be
// parsed into a types.DataChunk.
type ChunkKey struct {
	Key        string
	FirstBlock uint64
	LastBlock  uint64
}

// ChunkLister lists chunk objects for a dataset's bucket. Implementations
// must return keys in ascending FirstBlock order.
type ChunkLister interface {
	ListNewChunks(ctx context.Context, bucket string, afterBlock uint64) ([]ChunkKey, error)
}

// BucketFromURL strips the "s3://" prefix from a dataset source URL,
// matching the original storage client's bucket-name derivation.
func BucketFromURL(url string) (string, bool) {
	return strings.CutPrefix(url, "s3://")
}
