package packets

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling upgraded connections.
type Handler interface {
	// Handle is called for each new connection, on its own goroutine.
	// The implementation is responsible for running and closing the connection.
	Handle(conn *Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn *Conn)

// Handle calls f(conn).
func (f HandlerFunc) Handle(conn *Conn) {
	f(conn)
}

// Server accepts HTTP upgrade requests on a TCP listener and hands each
// upgraded connection to a Handler. Requests that are not upgrades are
// answered with 426 Upgrade Required.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	upgrader        Upgrader

	mu          sync.Mutex
	shutdown    bool
	httpServer  *http.Server
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives existing connections time to complete.
// Default is 0 (immediate shutdown).
//
// Note: This only delays listener closure. Upgraded connections are owned by
// the Handler; cancel them with the context passed to Conn.Run().
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every upgraded connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.upgrader.Options = append(s.upgrader.Options, opts...)
	}
}

// New creates a new server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve starts accepting connections and dispatching upgraded ones to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections gracefully.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping, allowing existing handlers to complete. Call Close()
// to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(w, r, handler)
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.httpServer = srv
	s.mu.Unlock()

	// Start a goroutine to handle context cancellation
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
				// Timeout expired, proceed with shutdown
			case <-s.shutdownNow:
				// Close() was called, skip remaining timeout
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = srv.Close()
	}()

	err := srv.Serve(s.listener)

	s.mu.Lock()
	isShutdown := s.shutdown
	s.mu.Unlock()

	if isShutdown || errors.Is(err, http.ErrServerClosed) {
		s.logger.Info("server stopped", "addr", s.listener.Addr())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrServerClosed
	}

	s.logger.Error("accept error", "error", err.Error())
	return err
}

// ErrServerClosed is returned by Serve after Close when its context is still live.
var ErrServerClosed = errors.New("server closed")

// handleUpgrade upgrades one request and runs the handler on its goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, handler Handler) {
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("upgrade rejected", "remote_addr", r.RemoteAddr, "error", err.Error())
		return
	}

	s.logger.Debug("accepted connection", "remote_addr", conn.Addr(), "conn_id", conn.ID())
	handler.Handle(conn)
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Any blocked Serve call returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal or no one is listening
	}

	if srv != nil {
		err := srv.Close()
		// The listener may not be tracked by srv yet.
		_ = s.listener.Close()
		return err
	}
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
