package broker

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Decider answers permission requests on the server side.
type Decider interface {
	Decide(ctx context.Context, req Request) Decision
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, req Request) Decision

func (f DeciderFunc) Decide(ctx context.Context, req Request) Decision { return f(ctx, req) }

// Server is a reference broker. Each connection is served by its own
// goroutine and its requests are answered in order.
type Server struct {
	decider Decider
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server answering with d.
func NewServer(d Decider, opts ...ServerOption) *Server {
	s := &Server{decider: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections until ctx ends or l fails. It closes l and waits
// for open connections to finish before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var conns sync.Map
	defer func() {
		conns.Range(func(k, _ any) bool {
			_ = k.(net.Conn).Close()
			return true
		})
		s.wg.Wait()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conns.Delete(conn)
			defer conn.Close()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warn("broker connection ended", zap.Error(err))
			}
		}()
	}
}

// ServeConn answers requests on one connection until EOF.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return err
		}

		d := s.decider.Decide(ctx, req)
		resp := Response{ID: req.ID, Result: ResultDeny, Reason: d.Reason}
		if d.Allow {
			resp.Result = ResultAllow
		}

		value := ""
		if req.Value != nil {
			value = *req.Value
		}
		s.logger.Debug("broker decision",
			zap.Uint64("id", req.ID),
			zap.Int("pid", req.PID),
			zap.String("permission", req.Permission),
			zap.String("value", value),
			zap.String("result", resp.Result))

		out, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := rw.Write(append(out, '\n')); err != nil {
			return err
		}
	}
}
