package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/types"
)

// Bus is the generic P2P message bus boundary this adapter sits on top of.
// A production implementation wraps whatever swarm/libp2p-style transport
// the fleet actually runs; tests supply an in-memory fake.
type Bus interface {
	// Send delivers a framed message to peer. It must return promptly;
	// ErrQueueFull signals transient backpressure.
	Send(ctx context.Context, peer types.WorkerId, framed []byte) error
}

// promisedQuery is one outbound send awaiting completion, modeled on
// franz-go's promisedReq/handleReqs pattern: a single consumer goroutine
// serializes all sends for a peer, calling back via promise once the
// underlying bus accepts or rejects the message.
type promisedQuery struct {
	ctx     context.Context
	query   types.Query
	framed  []byte
	promise func(error)
}

// peerQueue serializes outbound sends to one worker, the way franz-go's
// broker serializes requests to one Kafka broker.
type peerQueue struct {
	sendCh chan promisedQuery
	dieMu  sync.RWMutex
	dead   int32
}

// Adapter is the transport boundary (C5): it owns outbound per-peer send
// queues and the single inbound event consumer.
type Adapter struct {
	bus    Bus
	codec  Codec
	logger gwlog.Logger

	sendTimeout time.Duration

	mu    sync.Mutex
	peers map[types.WorkerId]*peerQueue

	consumerStarted int32
}

// New builds an Adapter sending over bus with the given default codec and
// per-send timeout.
func New(bus Bus, codec Codec, sendTimeout time.Duration, logger gwlog.Logger) *Adapter {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	return &Adapter{
		bus:         bus,
		codec:       codec,
		sendTimeout: sendTimeout,
		logger:      logger,
		peers:       make(map[types.WorkerId]*peerQueue),
	}
}

// SendQuery enqueues q for delivery to worker, blocking until the bus has
// accepted or rejected it. Returns types.ErrQueueFull on transient
// backpressure.
func (a *Adapter) SendQuery(ctx context.Context, worker types.WorkerId, q types.Query) error {
	framed, err := a.encodeQuery(q)
	if err != nil {
		return fmt.Errorf("encoding query %s: %w", q.QueryId, err)
	}

	pq := a.loadPeerQueue(worker)

	done := make(chan error, 1)
	sendCtx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()

	dead := false
	pq.dieMu.RLock()
	if atomic.LoadInt32(&pq.dead) == 1 {
		dead = true
	} else {
		pq.sendCh <- promisedQuery{
			ctx:     sendCtx,
			query:   q,
			framed:  framed,
			promise: func(err error) { done <- err },
		}
	}
	pq.dieMu.RUnlock()
	if dead {
		return fmt.Errorf("%w: peer queue closed", types.ErrTransportFatal)
	}

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("%w: send deadline exceeded", types.ErrQueueFull)
	}
}

func (a *Adapter) loadPeerQueue(worker types.WorkerId) *peerQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	pq, ok := a.peers[worker]
	if !ok {
		pq = &peerQueue{sendCh: make(chan promisedQuery, 16)}
		a.peers[worker] = pq
		go a.handleSends(worker, pq)
	}
	return pq
}

// handleSends is the single consumer of one peer's send queue, serializing
// all outbound traffic to that peer.
func (a *Adapter) handleSends(worker types.WorkerId, pq *peerQueue) {
	for pr := range pq.sendCh {
		err := a.bus.Send(pr.ctx, worker, pr.framed)
		pr.promise(err)
	}
}

func (a *Adapter) encodeQuery(q types.Query) ([]byte, error) {
	// The wire body is the query JSON plus client state, newline-delimited;
	// framing/codec tagging happens uniformly for every message kind.
	body := append(append([]byte{}, q.QueryJSON...), '\n')
	body = append(body, q.ClientStateJSON...)
	return Encode(a.codec, body)
}

// InboundHandlers receives the demultiplexed inbound event stream.
type InboundHandlers struct {
	OnPing         func(peer types.WorkerId, ping types.Ping)
	OnQueryResult  func(result types.QueryResult)
	OnQueryDropped func(dropped types.QueryDropped)
}

// GatewayEvent is the tagged union of inbound events the bus yields.
type GatewayEvent interface {
	isGatewayEvent()
}

type PingEvent struct {
	Peer types.WorkerId
	Ping types.Ping
}

type QueryResultEvent struct {
	Result types.QueryResult
}

type QueryDroppedEvent struct {
	Dropped types.QueryDropped
}

func (PingEvent) isGatewayEvent()         {}
func (QueryResultEvent) isGatewayEvent()  {}
func (QueryDroppedEvent) isGatewayEvent() {}

// ConsumeInbound reads events from ch until it closes or ctx is done,
// dispatching each to the matching handler. The adapter owns exactly one
// consumer of the inbound stream; calling this twice is a programming
// error and the second call panics.
func (a *Adapter) ConsumeInbound(ctx context.Context, ch <-chan GatewayEvent, h InboundHandlers) {
	if !atomic.CompareAndSwapInt32(&a.consumerStarted, 0, 1) {
		panic("transport: ConsumeInbound called more than once")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case PingEvent:
				if h.OnPing != nil {
					h.OnPing(e.Peer, e.Ping)
				}
			case QueryResultEvent:
				if h.OnQueryResult != nil {
					h.OnQueryResult(e.Result)
				}
			case QueryDroppedEvent:
				if h.OnQueryDropped != nil {
					h.OnQueryDropped(e.Dropped)
				}
			default:
				a.logger.Log(gwlog.LevelError, "unknown inbound event type", "type", fmt.Sprintf("%T", ev))
			}
		}
	}
}
