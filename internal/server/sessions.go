package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/fsh/internal/audit"
	"github.com/ppiankov/fsh/internal/registry"
	"github.com/ppiankov/fsh/internal/shell"
)

// ErrSessionLimit means the configured maximum concurrent sessions is
// reached.
var ErrSessionLimit = errors.New("session limit reached")

// ErrSessionBusy means a command is already in flight on the session.
// A second Command is rejected, not queued.
var ErrSessionBusy = errors.New("session busy")

// sweepInterval is how often idle sessions are checked.
const sweepInterval = 30 * time.Second

// Session is the live binding of one authenticated connection to one
// folder. It owns at most one shell process at a time and a working
// directory constrained to the folder subtree.
type Session struct {
	ID       string
	Folder   *registry.Descriptor
	Identity string
	Remote   string

	mu         sync.Mutex
	conn       net.Conn
	cwd        string
	created    time.Time
	lastActive time.Time
	running    *shell.Running
	cancel     context.CancelFunc
	busy       bool
	terminated bool
}

// WorkingDir returns the current working directory (absolute, canonical).
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetWorkingDir records a new working directory. The caller has already
// validated containment.
func (s *Session) SetWorkingDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = dir
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// IdleSince reports the last activity timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Begin marks a command in flight. It fails with ErrSessionBusy when one
// already is; commands on one session are strictly sequential.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return errors.New("session terminated")
	}
	if s.busy {
		return ErrSessionBusy
	}
	s.busy = true
	s.lastActive = time.Now()
	return nil
}

// Attach hands the session its running process and cancel handle. Called
// after Begin, before streaming starts.
func (s *Session) Attach(r *shell.Running, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = r
	s.cancel = cancel
}

// End clears the in-flight command.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.running = nil
	s.cancel = nil
	s.lastActive = time.Now()
}

// CancelCommand kills the in-flight process, if any. Safe to call at any
// time; the completion frame still comes from the streaming goroutine.
func (s *Session) CancelCommand() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running != nil {
		running.Kill()
	}
}

// terminate tears the session down exactly once: the owned process is
// killed, the connection is closed. Subsequent calls are no-ops.
func (s *Session) terminate() bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	s.terminated = true
	running := s.running
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running != nil {
		running.Kill()
	}
	if conn != nil {
		conn.Close()
	}
	return true
}

// SessionManager owns the live session table. All access goes through its
// mutex; nothing else holds the map.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	idle     time.Duration
	emitter  *audit.Emitter
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewSessionManager creates a manager enforcing max concurrent sessions
// and the given idle timeout, and starts the background sweep.
func NewSessionManager(max int, idle time.Duration, emitter *audit.Emitter) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
		max:      max,
		idle:     idle,
		emitter:  emitter,
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

// Create registers a new session bound to folder, rooted at the folder's
// canonical root.
func (m *SessionManager) Create(conn net.Conn, remote, identity string, folder *registry.Descriptor) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.sessions) >= m.max {
		return nil, ErrSessionLimit
	}
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		Folder:     folder,
		Identity:   identity,
		Remote:     remote,
		conn:       conn,
		cwd:        folder.Root,
		created:    now,
		lastActive: now,
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Get looks a session up by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Terminate tears a session down and removes it from the table. Idempotent:
// terminating an unknown or already-terminated id is a no-op.
func (m *SessionManager) Terminate(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.terminate()
	}
}

// Close terminates every session and stops the sweep.
func (m *SessionManager) Close() {
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.terminate()
	}
}

func (m *SessionManager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}

func (m *SessionManager) evictIdle(now time.Time) {
	if m.idle <= 0 {
		return
	}
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.IdleSince()) > m.idle {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if s.terminate() {
			m.emitter.Emit(audit.Event{
				Type:       audit.EventSessionTimeout,
				RemoteAddr: s.Remote,
				SessionID:  s.ID,
				Identity:   s.Identity,
				Resource:   s.Folder.Name,
				Detail:     "idle session evicted",
			})
		}
	}
}
