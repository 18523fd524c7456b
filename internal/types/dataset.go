// Package types holds the core value types shared across the gateway:
// dataset identifiers, data chunks, worker identities and state, and
// client request descriptions.
package types

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DatasetId is an opaque identifier derived from a dataset's canonical URL.
// Two URLs differing only in a trailing slash normalize to the same id.
type DatasetId string

// DatasetIdFromURL strips a trailing slash and hashes the result, so that
// "s3://bucket/ds" and "s3://bucket/ds/" produce the same DatasetId.
func DatasetIdFromURL(url string) DatasetId {
	normalized := strings.TrimRight(url, "/")
	sum := blake2b.Sum256([]byte(normalized))
	return DatasetId(hex.EncodeToString(sum[:16]))
}

// String returns the id's hex representation.
func (d DatasetId) String() string { return string(d) }
