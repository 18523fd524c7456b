package dispatch

import (
	"sync"
	"time"

	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/types"
)

// attemptOutcome is what a task's resultCh carries once a terminal inbound
// event or timeout resolves it.
type attemptOutcome struct {
	kind    outcomeKind
	data    []byte
	message string
}

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeBadRequest
	outcomeServerError
	outcomeNoAllocation
	outcomeDropped
	outcomeTimeout
)

// task is one outstanding SendQuery awaiting a terminal event, per
// Invariant 3: a task exists iff its query-id is registered and no
// terminal event has been observed.
type task struct {
	workerId  types.WorkerId
	queryId   string
	startTime time.Time
	resultCh  chan attemptOutcome
}

// taskTable is C4's task table: keyed by query-id, with exclusive access
// serialized by a mutex so the inbound demux goroutine and the per-chunk
// attempt goroutines never race on task lifecycle, mirroring the
// registry's and consumer's map-ownership discipline rather than the
// channel-passing used for C5's outbound sends.
type taskTable struct {
	mu     sync.Mutex
	byID   map[string]*task
	logger gwlog.Logger
}

func newTaskTable(logger gwlog.Logger) *taskTable {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	return &taskTable{byID: make(map[string]*task), logger: logger}
}

func (tt *taskTable) register(worker types.WorkerId, queryID string) *task {
	t := &task{
		workerId:  worker,
		queryId:   queryID,
		startTime: time.Now(),
		resultCh:  make(chan attemptOutcome, 1),
	}
	tt.mu.Lock()
	tt.byID[queryID] = t
	tt.mu.Unlock()
	return t
}

// remove deletes the task unconditionally, used on timeout or after the
// result channel has resolved.
func (tt *taskTable) remove(queryID string) {
	tt.mu.Lock()
	delete(tt.byID, queryID)
	tt.mu.Unlock()
}

// ResolveResult routes an inbound QueryResult to its task, implementing
// the spoof check: a reply from a peer other than the task's recorded
// worker is rejected (caller greylists the reporter) without resolving the
// task, which remains open for the legitimate worker's reply.
func (tt *taskTable) ResolveResult(result types.QueryResult) (spoofed bool, matched bool) {
	tt.mu.Lock()
	t, ok := tt.byID[result.QueryId]
	tt.mu.Unlock()
	if !ok {
		tt.logger.Log(gwlog.LevelError, "query result for unknown task", "query_id", result.QueryId)
		return false, false
	}
	if t.workerId != result.Peer {
		return true, false
	}

	var outcome attemptOutcome
	switch result.Outcome {
	case types.OutcomeOk:
		outcome = attemptOutcome{kind: outcomeOk, data: result.Data}
	case types.OutcomeBadRequest:
		outcome = attemptOutcome{kind: outcomeBadRequest, message: result.Message}
	case types.OutcomeServerError:
		outcome = attemptOutcome{kind: outcomeServerError, message: result.Message}
	case types.OutcomeNoAllocation:
		outcome = attemptOutcome{kind: outcomeNoAllocation}
	case types.OutcomeTimeout:
		outcome = attemptOutcome{kind: outcomeServerError, message: "worker-reported timeout"}
	}

	select {
	case t.resultCh <- outcome:
	default:
		// Already resolved (e.g. raced with a local timeout); drop silently
		// per the ordering guarantee that late results are discarded.
	}
	return false, true
}

// ResolveDropped routes an inbound QueryDropped to its task.
func (tt *taskTable) ResolveDropped(dropped types.QueryDropped) bool {
	tt.mu.Lock()
	t, ok := tt.byID[dropped.QueryId]
	tt.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case t.resultCh <- attemptOutcome{kind: outcomeDropped}:
	default:
	}
	return true
}
