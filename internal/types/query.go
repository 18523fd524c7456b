package types

import (
	"fmt"
	"time"

	"github.com/buger/jsonparser"
)

// ParsedQuery wraps a client's raw JSON query body, exposing the
// fromBlock/toBlock range it carries while preserving every other field
// verbatim for re-serialization.
type ParsedQuery struct {
	raw        []byte
	firstBlock uint64
	lastBlock  *uint64
}

// ParseQuery extracts fromBlock (required) and toBlock (optional) from a
// raw JSON query body without fully unmarshaling it.
func ParseQuery(raw []byte) (ParsedQuery, error) {
	fromBlock, err := jsonparser.GetInt(raw, "fromBlock")
	if err != nil {
		return ParsedQuery{}, fmt.Errorf("fromBlock is required: %w", err)
	}
	if fromBlock < 0 {
		return ParsedQuery{}, fmt.Errorf("fromBlock must be non-negative")
	}

	q := ParsedQuery{raw: append([]byte(nil), raw...), firstBlock: uint64(fromBlock)}

	toBlock, err := jsonparser.GetInt(raw, "toBlock")
	if err == nil {
		v := uint64(toBlock)
		q.lastBlock = &v
	}
	return q, nil
}

// FirstBlock returns the query's requested starting block.
func (q ParsedQuery) FirstBlock() uint64 { return q.firstBlock }

// LastBlock returns the query's requested ending block, if any.
func (q ParsedQuery) LastBlock() (uint64, bool) {
	if q.lastBlock == nil {
		return 0, false
	}
	return *q.lastBlock, true
}

// IntersectWith clamps range against the query's own [firstBlock,lastBlock?]
// bound, returning false if the intersection is empty.
func (q ParsedQuery) IntersectWith(r BlockRange) (BlockRange, bool) {
	begin := r.Begin
	if q.firstBlock > begin {
		begin = q.firstBlock
	}
	end := r.End
	if q.lastBlock != nil && *q.lastBlock < end {
		end = *q.lastBlock
	}
	if begin > end {
		return BlockRange{}, false
	}
	return BlockRange{Begin: begin, End: end}, true
}

// WithRange returns a copy of the query JSON with fromBlock/toBlock
// rewritten to range, preserving every other field verbatim.
func (q ParsedQuery) WithRange(r BlockRange) ([]byte, error) {
	out, err := jsonparser.Set(q.raw, []byte(fmt.Sprintf("%d", r.Begin)), "fromBlock")
	if err != nil {
		return nil, fmt.Errorf("rewriting fromBlock: %w", err)
	}
	out, err = jsonparser.Set(out, []byte(fmt.Sprintf("%d", r.End)), "toBlock")
	if err != nil {
		return nil, fmt.Errorf("rewriting toBlock: %w", err)
	}
	return out, nil
}

// ClientRequest is the fully-resolved description of one incoming query,
// combining the parsed body with per-request dispatch parameters.
type ClientRequest struct {
	DatasetId        DatasetId
	Query            ParsedQuery
	BufferSize       int
	MaxChunks        int // 0 means unbounded
	ChunkTimeout     time.Duration
	TimeoutQuantile  float64
	RequestMultiplier int
	Retries          int
}
