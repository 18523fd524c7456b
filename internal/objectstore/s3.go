package objectstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Lister lists chunk keys from an S3-compatible endpoint, matching the
// dataset bucket layout: one object per chunk, named
// "<firstBlock>-<lastBlock>/<file>".
type S3Lister struct {
	client *s3.Client
}

// NewS3Lister builds a lister against endpoint, used for all datasets.
func NewS3Lister(ctx context.Context, endpoint string) (*S3Lister, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &S3Lister{client: client}, nil
}

func (l *S3Lister) ListNewChunks(ctx context.Context, bucket string, afterBlock uint64) ([]ChunkKey, error) {
	prefix := ""
	out, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("listing bucket %s: %w", bucket, err)
	}

	var keys []ChunkKey
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		ck, ok := parseChunkKey(key)
		if !ok {
			continue
		}
		if ck.FirstBlock <= afterBlock {
			continue
		}
		keys = append(keys, ck)
	}
	return keys, nil
}

// parseChunkKey parses an object key of the form "0000000000-0000000099/..."
// into the block range it represents.
func parseChunkKey(key string) (ChunkKey, bool) {
	top := key
	if idx := strings.IndexByte(key, '/'); idx >= 0 {
		top = key[:idx]
	}
	parts := strings.SplitN(top, "-", 2)
	if len(parts) != 2 {
		return ChunkKey{}, false
	}
	first, err1 := strconv.ParseUint(parts[0], 10, 64)
	last, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ChunkKey{}, false
	}
	return ChunkKey{Key: key, FirstBlock: first, LastBlock: last}, true
}
