package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var errQueueRunning = errors.New("websocket: negotiation queue is already running")

// NegotiationQueue turns raw sockets into negotiated connections with a
// bounded number of handshakes in flight. Sockets submitted while
// Capacity sockets are queued or negotiating are rejected right away.
type NegotiationQueue struct {
	cfg        Config
	negotiator *Negotiator
	l          *zap.Logger
	metrics    *Metrics

	// queued plus negotiating sockets
	count   atomic.Int64
	pending chan net.Conn
	ready   chan *Conn

	sem     *semaphore.Weighted
	running atomic.Bool

	// guards the closed check and the send in Submit against shutdown
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewNegotiationQueue(cfg Config) *NegotiationQueue {
	cfg = cfg.withDefaults()
	return &NegotiationQueue{
		cfg:        cfg,
		negotiator: newConfigNegotiator(cfg),
		l:          cfg.Logger.Named("negotiation"),
		metrics:    cfg.Metrics,
		pending:    make(chan net.Conn, cfg.NegotiationQueueCapacity),
		ready:      make(chan *Conn, cfg.NegotiationQueueCapacity),
		sem:        semaphore.NewWeighted(int64(cfg.NegotiationParallelism)),
		done:       make(chan struct{}),
	}
}

// Len is the number of sockets queued or negotiating.
func (q *NegotiationQueue) Len() int {
	return int(q.count.Load())
}

// Submit queues c for negotiation. It never blocks: when the queue is
// full c is closed and ErrQueueFull is returned.
func (q *NegotiationQueue) Submit(c net.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		_ = c.Close()
		return ErrClosed
	}

	if n := q.count.Add(1); n > int64(q.cfg.NegotiationQueueCapacity) {
		q.count.Add(-1)
		q.metrics.queueRejected()
		q.l.Debug("negotiation queue is full, rejecting socket", zap.Stringer("remote", remoteAddr(c)))
		_ = c.Close()
		return ErrQueueFull
	}
	q.metrics.setPending(q.count.Load())

	q.pending <- c
	return nil
}

func (q *NegotiationQueue) release() {
	q.metrics.setPending(q.count.Add(-1))
}

// Run negotiates queued sockets until ctx ends, with at most
// NegotiationParallelism handshakes at once. Per-socket failures are
// logged and never stop the queue.
func (q *NegotiationQueue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errQueueRunning
	}

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		q.shutdown()
	}()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case c := <-q.pending:
			if err := q.sem.Acquire(ctx, 1); err != nil {
				_ = c.Close()
				q.release()
				return context.Cause(ctx)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer q.sem.Release(1)

				conn, err := q.negotiate(ctx, c)
				q.release()
				if err != nil {
					q.l.Debug("negotiation failed", zap.Stringer("remote", remoteAddr(c)), zap.Error(err))
					return
				}

				select {
				case q.ready <- conn:
				case <-ctx.Done():
					_ = conn.CloseContext(context.Background(), CloseGoingAway, "server shutting down")
				}
			}()
		}
	}
}

// shutdown stops Submit and closes sockets that were still queued when
// Run stopped.
func (q *NegotiationQueue) shutdown() {
	q.mu.Lock()
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.drain()
}

func (q *NegotiationQueue) drain() {
	for {
		select {
		case c := <-q.pending:
			_ = c.Close()
			q.release()
		default:
			return
		}
	}
}

func (q *NegotiationQueue) negotiate(ctx context.Context, c net.Conn) (*Conn, error) {
	deadline := time.Now().Add(q.cfg.NegotiationTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	_ = c.SetDeadline(deadline)

	c, err := wrapConn(ctx, c, q.cfg.ConnExtensions)
	if err != nil {
		q.metrics.negotiated("error")
		return nil, err
	}

	br := bufio.NewReaderSize(c, q.cfg.ReceiveBufferSize)
	req, err := http.ReadRequest(br)
	if err != nil {
		_ = c.Close()
		q.metrics.negotiated("error")
		return nil, fmt.Errorf("%w: failed to read request: [%w]", ErrHandshakeFailure, err)
	}
	req.RemoteAddr = remoteAddr(c).String()

	hs := q.negotiator.Negotiate(req)
	if err := q.negotiator.WriteResponse(c, hs); err != nil {
		_ = c.Close()
		return nil, err
	}
	if !hs.IsValid() {
		_ = c.Close()
		return nil, hs.Err
	}

	_ = c.SetDeadline(time.Time{})

	conn := newConn(c, br, true, q.cfg)
	conn.subprotocol = hs.Subprotocol
	conn.setExtensions(hs.Extensions)
	conn.open()

	return conn, nil
}

// Accept returns the next negotiated connection, in completion order.
func (q *NegotiationQueue) Accept(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-q.ready:
		return conn, nil
	default:
	}

	select {
	case conn := <-q.ready:
		return conn, nil
	case <-ctx.Done():
		return nil, cancelledError(ctx)
	case <-q.done:
		select {
		case conn := <-q.ready:
			return conn, nil
		default:
			return nil, ErrClosed
		}
	}
}
