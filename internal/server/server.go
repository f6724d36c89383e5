// Package server runs an http.Handler on a TCP listener with the
// Listen/Serve/Stop lifecycle used by cmd/bucketd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"bucketd/internal/logging"
)

var srvlog = logging.For("server")

// Options tunes the underlying http.Server.
type Options struct {
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server serves one handler on one address.
type Server struct {
	addr    string
	opts    Options
	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. Nothing is bound until Listen.
func New(addr string, handler http.Handler, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		addr: addr,
		opts: opts,
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
		},
	}
}

// Listen binds the server socket. Call Serve to start accepting requests.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the listener's address. Useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// URL returns the base URL of the bound listener.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr + "/"
}

// Serve handles requests until ctx is cancelled or Stop is called. Call
// Listen first. In-flight requests get ShutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	srvlog.Info("serving HTTP on " + s.URL())
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil // clean shutdown
	}
	return err
}

// Start is a convenience that calls Listen + Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop stops accepting requests and waits up to ShutdownTimeout for
// in-flight ones; stragglers are then closed.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		srvlog.Warn("graceful shutdown incomplete", "err", err)
		_ = s.httpSrv.Close()
	}
}
