package dispatcher

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/rs/zerolog"
)

const (
	acceptRetryDelay = 100 * time.Millisecond

	// DefaultIdleTimeout closes connections that send nothing for this long
	DefaultIdleTimeout = 5 * time.Minute
)

// Pool accepts connections from one listener and serves their frames with a
// fixed number of workers. Every connection gets its own reader, so idle
// connections never hold a worker.
type Pool struct {
	listener    transport.Listener
	dispatcher  *Dispatcher
	size        int
	idleTimeout time.Duration
	requests    chan *request
	logger      zerolog.Logger
}

// request is one frame waiting for a worker. The reader blocks on done
// until the reply was sent, which keeps replies in request order.
type request struct {
	conn  transport.Conn
	frame []byte
	peer  *x509.Certificate
	done  chan error
}

// NewPool creates a pool of size workers
func NewPool(listener transport.Listener, d *Dispatcher, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		listener:    listener,
		dispatcher:  d,
		size:        size,
		idleTimeout: DefaultIdleTimeout,
		requests:    make(chan *request),
		logger:      log.WithComponent("pool"),
	}
}

// SetIdleTimeout changes how long a connection may stay silent before it is
// closed. Zero keeps idle connections open until the peer leaves.
func (p *Pool) SetIdleTimeout(d time.Duration) {
	p.idleTimeout = d
}

// Run blocks until ctx is done or the listener closes. Open connections
// are closed on return.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		w := &Worker{id: i, pool: p, logger: p.logger.With().Int("worker", i).Logger()}
		wg.Go(func() { w.run(ctx) })
	}
	p.logger.Info().Int("workers", p.size).Dur("idle_timeout", p.idleTimeout).Msg("Dispatcher pool started")

	p.accept(ctx, &wg)
	cancel()
	wg.Wait()
}

func (p *Pool) accept(ctx context.Context, wg *sync.WaitGroup) {
	for {
		conn, err := p.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			p.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		wg.Go(func() { p.read(ctx, conn) })
	}
}

// read feeds one connection's frames to the workers until the connection
// fails, goes idle or the pool stops
func (p *Pool) read(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	peer := conn.PeerCertificate()

	for {
		frame, err := p.receive(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := "closed"
			if errors.Is(err, errIdle) {
				reason = "idle"
			}
			metrics.ConnectionsClosedTotal.WithLabelValues(reason).Inc()
			p.logger.Debug().Err(err).Str("reason", reason).Msg("Connection ended")
			return
		}

		req := &request{conn: conn, frame: frame, peer: peer, done: make(chan error, 1)}
		select {
		case p.requests <- req:
		case <-ctx.Done():
			return
		}
		select {
		case err := <-req.done:
			if err != nil {
				metrics.ConnectionsClosedTotal.WithLabelValues("reply_failed").Inc()
				p.logger.Debug().Err(err).Msg("Reply failed, dropping connection")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) receive(ctx context.Context, conn transport.Conn) ([]byte, error) {
	if p.idleTimeout <= 0 {
		return conn.Receive(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, p.idleTimeout)
	defer cancel()
	frame, err := conn.Receive(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, errIdle
	}
	return frame, err
}

var errIdle = errors.New("connection idle")

// Worker handles queued frames one at a time. A failed reply only costs the
// connection it was meant for; the worker moves on to the next frame.
type Worker struct {
	id     int
	pool   *Pool
	logger zerolog.Logger
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.pool.requests:
			w.serve(ctx, req)
		}
	}
}

func (w *Worker) serve(ctx context.Context, req *request) {
	reply := w.pool.dispatcher.HandleMessage(ctx, req.frame, req.peer)
	err := req.conn.Send(ctx, reply)
	if err != nil {
		w.logger.Debug().Err(err).Msg("Failed to send reply")
	}
	req.done <- err
}
