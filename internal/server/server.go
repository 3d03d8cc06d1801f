// Package server implements the fsh TCP server: the listener, the
// per-connection protocol state machine, the session manager, and the
// output multiplexer. Each connection runs in its own goroutine;
// shared state lives behind the session manager.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/fsh/internal/audit"
	"github.com/ppiankov/fsh/internal/auth"
	"github.com/ppiankov/fsh/internal/config"
	"github.com/ppiankov/fsh/internal/protocol"
	"github.com/ppiankov/fsh/internal/registry"
	"github.com/ppiankov/fsh/internal/shell"
	"github.com/ppiankov/fsh/internal/sysinfo"
)

// serverFeatures is advertised in ConnectResponse.
var serverFeatures = []string{"folder_binding", "command_execution", "file_operations", "shell_session"}

// Server accepts fsh connections and drives them through the protocol.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	auth     *auth.Authenticator
	emitter  *audit.Emitter
	sessions *SessionManager
	executor shell.Executor
	host     protocol.HostInfo

	auditLog *audit.Log

	connTimeout time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    atomic.Int64
	handlers sync.WaitGroup
}

// New builds a server from validated configuration: folder registry,
// authenticator, audit pipeline, and session manager.
func New(cfg *config.Config) (*Server, error) {
	reg, err := registry.Build(cfg.Folders)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Log
	var sink audit.Sink
	if cfg.Security.AuditLog != "" {
		auditLog, err = audit.Open(cfg.Security.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = auditLog
	}
	emitter := audit.NewEmitter(sink, 0)

	idle := time.Duration(cfg.Server.SessionTimeoutMinutes) * time.Minute

	s := &Server{
		cfg:         cfg,
		registry:    reg,
		auth:        auth.New(cfg.Security),
		emitter:     emitter,
		sessions:    NewSessionManager(cfg.Server.MaxConnections, idle, emitter),
		executor:    shell.OSExecutor{},
		host:        sysinfo.Snapshot(),
		auditLog:    auditLog,
		connTimeout: time.Duration(cfg.Server.ConnectionTimeoutSeconds) * time.Second,
		idleTimeout: idle,
	}
	return s, nil
}

// Registry exposes the folder registry (read-only after startup).
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Serve listens on the configured address and blocks until Close.
func (s *Server) Serve() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Printf("fsh server listening on %s (%d folders)", addr, len(s.registry.Names()))
	return s.ServeOn(lis)
}

// ServeOn accepts connections from the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return errors.New("server closed")
	}
	s.listener = lis
	s.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if max := int64(s.cfg.Server.MaxConnections); max > 0 && s.conns.Load() >= max {
			s.emitter.Emit(audit.Event{
				Type:       audit.EventSuspiciousActivity,
				RemoteAddr: conn.RemoteAddr().String(),
				Detail:     "connection limit reached, refusing",
			})
			conn.Close()
			continue
		}

		s.conns.Add(1)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.conns.Add(-1)
			newConnection(s, conn).handle()
		}()
	}
}

// Addr returns the bound listener address, once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, tears down every session, and flushes the audit
// pipeline. Safe to call once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.listener
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}
	s.sessions.Close()
	s.handlers.Wait()
	s.emitter.Close()
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	return nil
}
