// Package dispatch implements the query dispatcher (C4): it turns one
// ClientRequest into a lazily-produced, strictly chunk-ordered sequence of
// results, driving per-chunk worker selection, sending, timeout, and retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/subsquid/query-gateway/internal/allocations"
	"github.com/subsquid/query-gateway/internal/chunkindex"
	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/metrics"
	"github.com/subsquid/query-gateway/internal/netstate"
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/transport"
	"github.com/subsquid/query-gateway/internal/types"
)

// Config holds the dispatcher's fixed tunables, independent of any one
// request (those come from types.ClientRequest).
type Config struct {
	MinChunkTimeout time.Duration
	SelectBackoff   time.Duration
	MaxBufferSize   int
}

// ChunkResult is one emitted item of a dispatched request's output stream.
// Exactly one of Data or Err is meaningful: Err set means the whole
// request terminated (NoWorkers, NoAllocation, Exhausted, BadRequest, or
// the context's error on cancellation); otherwise Data carries that chunk's
// payload. OutOfRange and NoData are returned by Dispatch itself, before
// any stream exists.
type ChunkResult struct {
	Chunk types.DataChunk
	Data  []byte
	Err   error
}

// Dispatcher composes the chunk index, network state, allocations gate and
// transport adapter into the per-request dispatch pipeline.
type Dispatcher struct {
	cfg     Config
	chunks  *chunkindex.Index
	state   *netstate.State
	reg     *registry.Registry
	gate    *allocations.Gate
	adapter *transport.Adapter
	logger  gwlog.Logger
	metrics *metrics.Registry
	tasks   *taskTable
	rtts    *rttTracker
}

// New builds a Dispatcher. Callers must route inbound QueryResult/
// QueryDropped events from the transport.Adapter's ConsumeInbound to
// HandleQueryResult/HandleQueryDropped. mreg may be nil (metrics.New() is
// substituted so callers never nil-check it).
func New(cfg Config, chunks *chunkindex.Index, state *netstate.State, reg *registry.Registry, gate *allocations.Gate, adapter *transport.Adapter, mreg *metrics.Registry, logger gwlog.Logger) *Dispatcher {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	if mreg == nil {
		mreg = metrics.New()
	}
	return &Dispatcher{
		cfg:     cfg,
		chunks:  chunks,
		state:   state,
		reg:     reg,
		gate:    gate,
		adapter: adapter,
		logger:  logger,
		metrics: mreg,
		tasks:   newTaskTable(logger),
		rtts:    newRTTTracker(),
	}
}

// HandleQueryResult routes an inbound worker response to its task. If the
// reporting peer does not match the task's recorded worker, the reporter
// is greylisted and the message discarded (possible spoof/routing
// glitch); the task remains open for the legitimate worker's reply.
func (d *Dispatcher) HandleQueryResult(result types.QueryResult) {
	spoofed, matched := d.tasks.ResolveResult(result)
	if spoofed {
		d.logger.Log(gwlog.LevelWarn, "query result peer mismatch, greylisting reporter", "query_id", result.QueryId, "peer", result.Peer)
		d.reg.Greylist(result.Peer)
		d.metrics.RecordGreylist()
		return
	}
	if !matched {
		d.logger.Log(gwlog.LevelError, "query result for unknown or already-resolved task", "query_id", result.QueryId)
	}
}

// HandleQueryDropped routes an inbound drop notification to its task.
func (d *Dispatcher) HandleQueryDropped(dropped types.QueryDropped) {
	d.tasks.ResolveDropped(dropped)
}

// Dispatch resolves req's starting chunk, then drives the per-chunk
// pipeline in the background, returning a channel of ordered ChunkResults.
// The channel is closed when the request completes, fails terminally, or
// ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.ClientRequest) (<-chan ChunkResult, error) {
	start, ok := d.chunks.Find(req.DatasetId, req.Query.FirstBlock())
	if !ok {
		if height, hasHeight := d.state.Height(req.DatasetId); hasHeight && req.Query.FirstBlock() > height {
			return nil, fmt.Errorf("%w: requested block %d beyond known height %d", types.ErrOutOfRange, req.Query.FirstBlock(), height)
		}
		return nil, types.ErrNoData
	}

	d.metrics.RecordDispatch()
	out := make(chan ChunkResult, req.BufferSize)
	go d.run(ctx, req, start, out)
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, req types.ClientRequest, start types.DataChunk, out chan<- ChunkResult) {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bufferSize := req.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if d.cfg.MaxBufferSize > 0 && bufferSize > d.cfg.MaxBufferSize {
		bufferSize = d.cfg.MaxBufferSize
	}

	type chunkJob struct {
		chunk types.DataChunk
		index int
	}

	var chunksToRun []chunkJob
	chunk := start
	for i := 0; req.MaxChunks == 0 || i < req.MaxChunks; i++ {
		if _, ok := req.Query.IntersectWith(chunk.Range()); !ok {
			break
		}
		chunksToRun = append(chunksToRun, chunkJob{chunk: chunk, index: i})
		if last, hasLast := req.Query.LastBlock(); hasLast && chunk.LastBlock >= last {
			break
		}
		next, ok := d.chunks.Next(req.DatasetId, chunk)
		if !ok {
			break
		}
		chunk = next
	}

	if len(chunksToRun) == 0 {
		return
	}

	resultsMu := sync.Mutex{}
	pending := make(map[int]ChunkResult)
	nextToEmit := 0

	emit := func(index int, res ChunkResult) bool {
		d.metrics.RecordOutcome(res.Err == nil)
		resultsMu.Lock()
		pending[index] = res
		for {
			r, ok := pending[nextToEmit]
			if !ok {
				break
			}
			delete(pending, nextToEmit)
			nextToEmit++
			resultsMu.Unlock()
			select {
			case out <- r:
			case <-ctx.Done():
				return false
			}
			if r.Err != nil {
				cancel()
				return false
			}
			resultsMu.Lock()
		}
		resultsMu.Unlock()
		return true
	}

	sem := make(chan struct{}, bufferSize)
	var wg sync.WaitGroup
dispatchLoop:
	for _, job := range chunksToRun {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(job chunkJob) {
			defer wg.Done()
			defer func() { <-sem }()
			res := d.runChunk(ctx, req, job.chunk)
			emit(job.index, ChunkResult{Chunk: job.chunk, Data: res.data, Err: res.err})
		}(job)
	}
	wg.Wait()
}

type chunkRunResult struct {
	data []byte
	err  error
}

// runChunk drives the per-chunk attempt state machine: Selecting -> Sent ->
// (Result|Timeout|Dropped|NoAllocation|ServerError) -> (Done|Retry), with
// up to RequestMultiplier concurrent attempts racing for the first success.
func (d *Dispatcher) runChunk(ctx context.Context, req types.ClientRequest, chunk types.DataChunk) chunkRunResult {
	multiplier := req.RequestMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	attemptCtx, cancelAttempts := context.WithCancel(ctx)
	defer cancelAttempts()

	var triedMu sync.Mutex
	tried := make(map[types.WorkerId]bool)

	resultCh := make(chan chunkRunResult, multiplier)
	var wg sync.WaitGroup
	for i := 0; i < multiplier; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.attemptLoop(attemptCtx, req, chunk, &triedMu, tried)
			select {
			case resultCh <- res:
			default:
			}
		}()
	}

	go func() { wg.Wait(); close(resultCh) }()

	var last chunkRunResult
	haveLast := false
	for res := range resultCh {
		if res.err == nil {
			cancelAttempts()
			return res
		}
		last = res
		haveLast = true
		// Keep waiting for a sibling attempt to succeed; only return once
		// every attempt has failed.
		select {
		case <-attemptCtx.Done():
			return res
		default:
		}
	}
	if haveLast {
		return last
	}
	return chunkRunResult{err: fmt.Errorf("%w", types.ErrExhausted)}
}

// attemptLoop runs Selecting/Sent/outcome transitions for one lane of a
// chunk's attempts until it succeeds or exhausts retries.
func (d *Dispatcher) attemptLoop(ctx context.Context, req types.ClientRequest, chunk types.DataChunk, triedMu *sync.Mutex, tried map[types.WorkerId]bool) chunkRunResult {
	retriesLeft := req.Retries
	selectRetriesLeft := req.Retries

	for {
		if ctx.Err() != nil {
			return chunkRunResult{err: ctx.Err()}
		}

		triedMu.Lock()
		excluding := make(map[types.WorkerId]bool, len(tried))
		for k := range tried {
			excluding[k] = true
		}
		triedMu.Unlock()

		worker, ok := d.state.FindWorker(req.DatasetId, chunk.FirstBlock, excluding)
		if !ok {
			if selectRetriesLeft <= 0 {
				return chunkRunResult{err: fmt.Errorf("%w: chunk %s", types.ErrNoWorkers, chunk)}
			}
			selectRetriesLeft--
			select {
			case <-time.After(d.cfg.SelectBackoff):
			case <-ctx.Done():
				return chunkRunResult{err: ctx.Err()}
			}
			continue
		}

		triedMu.Lock()
		tried[worker] = true
		triedMu.Unlock()

		effective, ok := req.Query.IntersectWith(chunk.Range())
		if !ok {
			return chunkRunResult{err: fmt.Errorf("%w: chunk %s outside request range", types.ErrNoData, chunk)}
		}

		reserved, err := d.gate.Reserve(worker, 1)
		if err != nil {
			d.logger.Log(gwlog.LevelError, "allocation reservation error", "worker", worker, "err", err)
			continue
		}
		if !reserved {
			continue // no_allocation already cached by the gate; re-enter Selecting
		}

		outcome, elapsed, err := d.sendAndAwait(ctx, req, worker, chunk, effective)
		if err != nil {
			if errors.Is(err, types.ErrQueueFull) {
				if releaseErr := d.gate.Release(worker, 1); releaseErr != nil {
					d.logger.Log(gwlog.LevelError, "release after queue-full failed", "err", releaseErr)
				}
				continue // retry without consuming a retry slot
			}
			if releaseErr := d.gate.Release(worker, 1); releaseErr != nil {
				d.logger.Log(gwlog.LevelError, "release after send failure failed", "err", releaseErr)
			}
			retriesLeft--
			if retriesLeft < 0 {
				return chunkRunResult{err: fmt.Errorf("%w: %v", types.ErrExhausted, err)}
			}
			continue
		}

		switch outcome.kind {
		case outcomeOk:
			d.rtts.Observe(req.DatasetId, elapsed)
			return chunkRunResult{data: outcome.data}
		case outcomeBadRequest:
			return chunkRunResult{err: fmt.Errorf("%w: %s", types.ErrBadRequest, outcome.message)}
		case outcomeServerError:
			d.reg.Greylist(worker)
			d.metrics.RecordGreylist()
			retriesLeft--
			if retriesLeft < 0 {
				return chunkRunResult{err: fmt.Errorf("%w: %s", types.ErrExhausted, outcome.message)}
			}
		case outcomeNoAllocation:
			d.reg.NoAllocation(worker)
			d.metrics.RecordAllocationDenial()
			retriesLeft--
			if retriesLeft < 0 {
				return chunkRunResult{err: fmt.Errorf("%w", types.ErrNoAllocation)}
			}
		case outcomeDropped:
			// retry without consuming a retry slot
		case outcomeTimeout:
			d.reg.Greylist(worker)
			d.metrics.RecordGreylist()
			retriesLeft--
			if retriesLeft < 0 {
				return chunkRunResult{err: fmt.Errorf("%w", types.ErrExhausted)}
			}
		}
	}
}

// sendAndAwait sends one query and blocks until a terminal event or the
// adaptive timeout fires.
func (d *Dispatcher) sendAndAwait(ctx context.Context, req types.ClientRequest, worker types.WorkerId, chunk types.DataChunk, effective types.BlockRange) (attemptOutcome, time.Duration, error) {
	queryID := uuid.NewString()
	queryJSON, err := req.Query.WithRange(effective)
	if err != nil {
		return attemptOutcome{}, 0, fmt.Errorf("building effective query: %w", err)
	}

	t := d.tasks.register(worker, queryID)
	defer d.tasks.remove(queryID)

	sendErr := d.adapter.SendQuery(ctx, worker, types.Query{
		QueryId:    queryID,
		Dataset:    req.DatasetId,
		QueryJSON:  queryJSON,
		Signature:  nil, // see DESIGN.md: matches original_source, which sends empty bytes unconditionally
		BlockRange: effective,
	})
	if sendErr != nil {
		return attemptOutcome{}, 0, sendErr
	}

	timeout := d.effectiveTimeout(req)
	start := time.Now()
	select {
	case outcome := <-t.resultCh:
		return outcome, time.Since(start), nil
	case <-time.After(timeout):
		return attemptOutcome{kind: outcomeTimeout}, time.Since(start), nil
	case <-ctx.Done():
		return attemptOutcome{}, 0, ctx.Err()
	}
}

// effectiveTimeout is the larger of the configured minimum and the
// request's timeout-quantile over recently observed successful RTTs for
// the dataset.
func (d *Dispatcher) effectiveTimeout(req types.ClientRequest) time.Duration {
	min := req.ChunkTimeout
	if min <= 0 {
		min = d.cfg.MinChunkTimeout
	}
	quantile, ok := d.rtts.Quantile(req.DatasetId, req.TimeoutQuantile)
	if !ok || quantile < min {
		return min
	}
	return quantile
}
