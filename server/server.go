// Package server hosts remote objects: it accepts connections, runs a peer session on each,
// and answers their invocations through a Dispatcher.
//
// Request processing pipeline:
//
//	Accept conn (TCP frames or WebSocket upgrade) → peer.Session (single reader per connection)
//	  → for each invoke: go Dispatcher.Handle (parallel processing)
//	    → validate → middleware chain → registry.Resolve → Invoke (reflect.Call) → one reply
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-rmi/discovery"
	"mini-rmi/message"
	"mini-rmi/peer"
	"mini-rmi/transport"
)

const defaultPublishTTL = 10 * time.Second

// Server is the service process side of the protocol.
type Server struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	transport  []transport.Option
	session    []peer.Option
	upgrader   websocket.Upgrader
	shutdown   atomic.Bool // set before listeners close so Accept errors are recognized as intentional

	directory discovery.Directory
	service   string
	instance  discovery.Instance // what Publish advertises; Addr must be routable by callers
	ttl       time.Duration

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*peer.Session]struct{}
}

type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTransportOptions configures every accepted connection (heartbeat, idle timeout...).
func WithTransportOptions(opts ...transport.Option) ServerOption {
	return func(s *Server) {
		s.transport = append(s.transport, opts...)
	}
}

// WithSessionOptions configures the peer session of every accepted connection.
func WithSessionOptions(opts ...peer.Option) ServerOption {
	return func(s *Server) {
		s.session = append(s.session, opts...)
	}
}

// WithDiscovery makes Publish register instance under service in dir, and Shutdown
// deregister it. instance.Addr is the address callers dial, which usually differs from
// the listen address (":8080" is not routable).
func WithDiscovery(dir discovery.Directory, service string, instance discovery.Instance, ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.directory = dir
		s.service = service
		s.instance = instance
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewServer creates a server answering invocations with d.
func NewServer(d *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		logger:     zap.NewNop(),
		ttl:        defaultPublishTTL,
		listeners:  make(map[net.Listener]struct{}),
		sessions:   make(map[*peer.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// ListenAndServe listens on a TCP address and serves framed connections until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts framed stream connections on l. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("serving", zap.String("addr", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		s.serveConn(transport.NewStreamConn(conn, s.transportOptions()...))
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.serveConn(transport.NewWebSocketConn(ws, s.transportOptions()...))
}

// ServeConn runs a session on an already established connection, such as one end of
// transport.Pipe.
func (s *Server) ServeConn(conn transport.Conn) (*peer.Session, error) {
	return s.serveConn(conn)
}

func (s *Server) serveConn(conn transport.Conn) (*peer.Session, error) {
	opts := append([]peer.Option{peer.WithLogger(s.logger)}, s.session...)
	opts = append(opts, peer.WithDispatcher(s.dispatcher))
	sess, err := peer.New(conn, opts...)
	if err != nil {
		s.logger.Error("failed to start session", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		sess.Close()
		return nil, message.Errorf(message.KindConnectionLost, "service is shutting down")
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("session opened", zap.String("remote", sess.RemoteAddr()))

	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.logger.Debug("session closed", zap.String("remote", sess.RemoteAddr()), zap.Error(sess.Err()))
	}()
	return sess, nil
}

func (s *Server) transportOptions() []transport.Option {
	return append([]transport.Option{transport.WithLogger(s.logger)}, s.transport...)
}

// Sessions reports how many connections are being served.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Publish registers this server's instance in the directory given by WithDiscovery.
// The registry's current names are advertised unless the instance lists its own.
func (s *Server) Publish(ctx context.Context) error {
	if s.directory == nil {
		return nil
	}
	inst := s.instance
	if len(inst.Objects) == 0 {
		inst.Objects = s.dispatcher.registry.Names()
	}
	if inst.Version == "" {
		inst.Version = message.ProtocolVersion
	}
	if err := s.directory.Register(ctx, s.service, inst, s.ttl); err != nil {
		return fmt.Errorf("publish %s at %s: %w", s.service, inst.Addr, err)
	}
	s.logger.Info("published", zap.String("service", s.service), zap.String("addr", inst.Addr))
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister from the directory, so callers stop picking this instance
//  2. Set the shutdown flag, so Accept errors are recognized as intentional
//  3. Close the listeners
//  4. Drain every session: new invocations fail, in-flight ones get their reply
//  5. Close the sessions
//
// If draining takes longer than timeout, the sessions are closed anyway and an error is returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.directory != nil {
		if err := s.directory.Deregister(ctx, s.service, s.instance.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", s.service), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := s.listeners
	s.listeners = make(map[net.Listener]struct{})
	sessions := make([]*peer.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for l := range listeners {
		l.Close()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, sess := range sessions {
		i, sess := i, sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sess.Drain(ctx)
		}()
	}
	wg.Wait()
	for _, sess := range sessions {
		sess.Close()
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("timeout waiting for ongoing requests to finish: %w", err)
	}
	return nil
}
