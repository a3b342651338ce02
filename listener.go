package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server accepts sockets from a listener and negotiates them through a
// NegotiationQueue.
type Server struct {
	queue *NegotiationQueue
	l     *zap.Logger
}

func NewServer(cfg Config) *Server {
	q := NewNegotiationQueue(cfg)
	return &Server{
		queue: q,
		l:     q.cfg.Logger.Named("server"),
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: [%w]", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop and the negotiation queue until ctx ends or
// the listener fails. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.l.Info("serving websocket connections", zap.Stringer("addr", ln.Addr()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.queue.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.l.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("failed to accept connection: [%w]", err)
		}
		delay = 0

		if err := s.queue.Submit(c); err != nil {
			s.l.Debug("connection rejected", zap.Stringer("remote", remoteAddr(c)), zap.Error(err))
		}
	}
}

// Accept returns the next negotiated connection.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	return s.queue.Accept(ctx)
}
