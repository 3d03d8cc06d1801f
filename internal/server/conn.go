package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/fsh/internal/audit"
	"github.com/ppiankov/fsh/internal/auth"
	"github.com/ppiankov/fsh/internal/protocol"
	"github.com/ppiankov/fsh/internal/ratelimit"
	"github.com/ppiankov/fsh/internal/registry"
	"github.com/ppiankov/fsh/internal/sandbox"
	"github.com/ppiankov/fsh/internal/shell"
)

// maxFileTransfer caps FileRead/FileWrite payloads. Larger transfers go
// through session commands instead.
const maxFileTransfer = 5 << 20

// deadlineSlack is added to the idle timeout for the transport read
// deadline, so the sweep gets to evict and audit an idle session before
// the socket times out on its own.
var deadlineSlack = sweepInterval

// connState is the handshake position of one connection. Transitions are
// strictly forward; any message outside the current state's accept set is a
// protocol violation and closes the connection.
type connState int

const (
	stateConnected connState = iota
	stateAuthenticating
	stateAuthenticated
	stateFolderBound
	stateSessionActive
	stateClosed
)

var stateNames = map[connState]string{
	stateConnected:      "connected",
	stateAuthenticating: "authenticating",
	stateAuthenticated:  "authenticated",
	stateFolderBound:    "folder_bound",
	stateSessionActive:  "session_active",
	stateClosed:         "closed",
}

func (s connState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// connection drives the protocol for one accepted socket. All reads happen
// on the handler goroutine; writes are serialized through writeMu because
// the output streamer writes concurrently with responses.
type connection struct {
	srv    *Server
	conn   net.Conn
	remote string

	state    connState
	identity string
	folder   *registry.Descriptor
	session  *Session
	env      map[string]string

	attempts *auth.AttemptCounter
	limiter  *ratelimit.Limiter

	writeMu sync.Mutex
}

func newConnection(srv *Server, conn net.Conn) *connection {
	rl := srv.cfg.Security.RateLimit
	return &connection{
		srv:      srv,
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		state:    stateConnected,
		attempts: auth.NewAttemptCounter(srv.cfg.Security.MaxFailedAttempts),
		limiter:  ratelimit.New(rl.MaxRequests, time.Duration(rl.WindowSeconds)*time.Second),
	}
}

// send writes one frame. Safe for concurrent use.
func (c *connection) send(t protocol.MsgType, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, t, payload)
}

func (c *connection) emit(t audit.EventType, resource, detail string) {
	ev := audit.Event{
		Type:       t,
		RemoteAddr: c.remote,
		Identity:   c.identity,
		Resource:   resource,
		Detail:     detail,
	}
	if c.session != nil {
		ev.SessionID = c.session.ID
	}
	c.srv.emitter.Emit(ev)
}

// handle runs the connection to completion. The handshake (everything
// before SessionActive) runs under the connection deadline; an active
// session is bounded by the idle sweep instead.
func (c *connection) handle() {
	defer c.close()

	c.emit(audit.EventConnectionOpened, "", "")

	if c.srv.connTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.connTimeout))
	}

	for c.state != stateClosed {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrBadFrame) {
				c.violation("malformed frame: " + err.Error())
			}
			return
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch routes one frame by state. It returns false when the connection
// must close.
func (c *connection) dispatch(frame *protocol.Frame) bool {
	// Ping and Disconnect are valid in every post-Connect state.
	if c.state != stateConnected {
		switch frame.Type {
		case protocol.MsgPing:
			c.touch()
			return c.send(protocol.MsgPong, nil) == nil
		case protocol.MsgDisconnect:
			var m protocol.Disconnect
			_ = frame.Decode(&m)
			c.emit(audit.EventConnectionClosed, "", "client disconnect: "+m.Reason)
			return false
		}
	}

	switch c.state {
	case stateConnected:
		if frame.Type != protocol.MsgConnect {
			return c.violation(fmt.Sprintf("%s before Connect", frame.Type))
		}
		return c.handleConnect(frame)

	case stateAuthenticating:
		if frame.Type != protocol.MsgAuthenticate {
			return c.violation(fmt.Sprintf("%s while unauthenticated", frame.Type))
		}
		return c.handleAuthenticate(frame)

	case stateAuthenticated:
		if frame.Type != protocol.MsgFolderBind {
			return c.violation(fmt.Sprintf("%s before folder bind", frame.Type))
		}
		return c.handleFolderBind(frame)

	case stateFolderBound:
		if frame.Type != protocol.MsgSessionStart {
			return c.violation(fmt.Sprintf("%s before session start", frame.Type))
		}
		return c.handleSessionStart(frame)

	case stateSessionActive:
		return c.dispatchSession(frame)
	}
	return false
}

// dispatchSession handles the steady state. Cancel bypasses rate limiting
// so a client can always abort a runaway command.
func (c *connection) dispatchSession(frame *protocol.Frame) bool {
	if frame.Type == protocol.MsgCancel {
		c.touch()
		c.session.CancelCommand()
		return true
	}

	switch frame.Type {
	case protocol.MsgCommand, protocol.MsgChangeDir, protocol.MsgFileList, protocol.MsgFileRead, protocol.MsgFileWrite:
	default:
		return c.violation(fmt.Sprintf("%s in active session", frame.Type))
	}

	if !c.limiter.Allow(time.Now()) {
		c.emit(audit.EventRateLimited, c.folder.Name, frame.Type.String())
		// The connection survives a rate limit breach; only the request is
		// refused.
		return c.send(protocol.MsgError, protocol.Error{
			Code:    protocol.CodeRateLimited,
			Message: "rate limit exceeded, retry later",
		}) == nil
	}
	c.touch()

	switch frame.Type {
	case protocol.MsgCommand:
		return c.handleCommand(frame)
	case protocol.MsgChangeDir:
		return c.handleChangeDir(frame)
	case protocol.MsgFileList:
		return c.handleFileList(frame)
	case protocol.MsgFileRead:
		return c.handleFileRead(frame)
	case protocol.MsgFileWrite:
		return c.handleFileWrite(frame)
	}
	return false
}

func (c *connection) handleConnect(frame *protocol.Frame) bool {
	var m protocol.Connect
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad Connect payload: " + err.Error())
	}

	if m.Version != protocol.Version {
		c.emit(audit.EventProtocolViolation, "", fmt.Sprintf("version mismatch: client %q, server %q", m.Version, protocol.Version))
		_ = c.send(protocol.MsgConnectResponse, protocol.ConnectResponse{
			Success:       false,
			ServerVersion: protocol.Version,
			Message:       fmt.Sprintf("unsupported protocol version %q", m.Version),
		})
		return false
	}

	resp := protocol.ConnectResponse{
		Success:       true,
		ServerVersion: protocol.Version,
		Features:      serverFeatures,
		Folders:       c.srv.registry.Names(),
		Host:          c.srv.host,
	}
	if err := c.send(protocol.MsgConnectResponse, resp); err != nil {
		return false
	}

	if c.srv.auth.Required() {
		c.state = stateAuthenticating
	} else {
		c.identity = "anonymous"
		c.state = stateAuthenticated
	}
	return true
}

func (c *connection) handleAuthenticate(frame *protocol.Frame) bool {
	var m protocol.Authenticate
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad Authenticate payload: " + err.Error())
	}

	// A locked connection never has further credentials validated.
	if c.attempts.Locked() {
		c.emit(audit.EventSuspiciousActivity, "", "authenticate after lockout")
		_ = c.send(protocol.MsgError, protocol.Error{
			Code:    protocol.CodeAuthLockout,
			Message: "too many failed attempts",
		})
		return false
	}

	identity, err := c.srv.auth.Authenticate(m.Method, m.Credentials)
	if err != nil {
		c.emit(audit.EventAuthFailure, "", "method="+m.Method)
		if c.attempts.Failure() {
			c.emit(audit.EventAuthLockout, "", fmt.Sprintf("locked out after %d failures", c.attempts.Failures()))
			_ = c.send(protocol.MsgError, protocol.Error{
				Code:    protocol.CodeAuthLockout,
				Message: "too many failed attempts",
			})
			return false
		}
		// Identical message for every failure cause: the client learns
		// nothing about which element was wrong.
		return c.send(protocol.MsgAuthResponse, protocol.AuthResponse{
			Success: false,
			Message: "authentication failed",
		}) == nil
	}

	c.attempts.Success()
	c.identity = identity
	c.state = stateAuthenticated
	c.emit(audit.EventAuthSuccess, "", "method="+m.Method)
	return c.send(protocol.MsgAuthResponse, protocol.AuthResponse{Success: true}) == nil
}

func (c *connection) handleFolderBind(frame *protocol.Frame) bool {
	var m protocol.FolderBind
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad FolderBind payload: " + err.Error())
	}

	folder, ok := c.srv.registry.Lookup(m.Folder)
	if !ok {
		c.emit(audit.EventPermissionDenied, m.Folder, "bind to unknown folder")
		// A failed bind leaves the connection authenticated; the client may
		// try another folder.
		return c.send(protocol.MsgFolderBound, protocol.FolderBound{
			Success: false,
			Code:    protocol.CodeFolderNotFound,
			Message: fmt.Sprintf("no folder named %q", m.Folder),
		}) == nil
	}

	c.folder = folder
	c.state = stateFolderBound
	c.emit(audit.EventFolderBound, folder.Name, folder.Root)
	return c.send(protocol.MsgFolderBound, protocol.FolderBound{
		Success:     true,
		Folder:      folder.Name,
		WorkingDir:  folder.Root,
		Permissions: folder.Permissions(),
		Shell:       folder.Shell,
		ReadOnly:    folder.ReadOnly,
	}) == nil
}

func (c *connection) handleSessionStart(frame *protocol.Frame) bool {
	var m protocol.SessionStart
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad SessionStart payload: " + err.Error())
	}

	session, err := c.srv.sessions.Create(c.conn, c.remote, c.identity, c.folder)
	if err != nil {
		c.emit(audit.EventSuspiciousActivity, c.folder.Name, "session refused: "+err.Error())
		_ = c.send(protocol.MsgError, protocol.Error{
			Code:    protocol.CodeResourceExhausted,
			Message: err.Error(),
		})
		return false
	}

	c.session = session
	c.env = m.Env
	c.state = stateSessionActive

	// The handshake deadline no longer applies; the idle sweep owns the
	// session lifetime now. Reads still need some deadline so a vanished
	// peer does not pin the handler forever.
	if c.srv.idleTimeout > 0 {
		c.extendDeadline()
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	c.emit(audit.EventSessionStarted, c.folder.Name, "")
	return c.send(protocol.MsgSessionReady, protocol.SessionReady{
		SessionID:  session.ID,
		Prompt:     c.folder.Prompt(c.folder.Validator().Rel(session.WorkingDir())),
		WorkingDir: session.WorkingDir(),
	}) == nil
}

func (c *connection) handleCommand(frame *protocol.Frame) bool {
	var m protocol.Command
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad Command payload: " + err.Error())
	}
	if m.SessionID != c.session.ID {
		return c.violation("command for foreign session " + m.SessionID)
	}

	if !c.folder.Can(registry.Execute) {
		c.emit(audit.EventPermissionDenied, c.folder.Name, "execute: "+m.Command)
		return c.send(protocol.MsgCommandComplete, protocol.CommandComplete{
			SessionID: c.session.ID,
			ExitCode:  -1,
			Error:     "execute permission denied",
		}) == nil
	}

	if err := c.folder.Filter().Check(m.Command); err != nil {
		code := protocol.CodeCommandNotAllowed
		if errors.Is(err, sandbox.ErrCommandBlocked) {
			code = protocol.CodeCommandBlocked
		}
		c.emit(audit.EventCommandDenied, c.folder.Name, m.Command)
		_ = c.send(protocol.MsgError, protocol.Error{Code: code, Message: err.Error()})
		return c.send(protocol.MsgCommandComplete, protocol.CommandComplete{
			SessionID: c.session.ID,
			ExitCode:  -1,
			Error:     err.Error(),
		}) == nil
	}

	if err := c.session.Begin(); err != nil {
		return c.send(protocol.MsgError, protocol.Error{
			Code:    protocol.CodeBusy,
			Message: err.Error(),
		}) == nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	running, err := c.srv.executor.Execute(ctx, shell.Invocation{
		Command: m.Command,
		Args:    m.Args,
		Dir:     c.session.WorkingDir(),
		Env:     c.commandEnv(),
	})
	if err != nil {
		cancel()
		c.session.End()
		// Operational failure, not a policy denial; audited as its own type.
		c.emit(audit.EventSpawnFailure, c.folder.Name, fmt.Sprintf("spawn %s: %v", m.Command, err))
		// Spawn failures complete the command exchange like any other run,
		// just with nothing streamed first.
		return c.send(protocol.MsgCommandComplete, protocol.CommandComplete{
			SessionID: c.session.ID,
			ExitCode:  -1,
			Error:     err.Error(),
		}) == nil
	}

	c.session.Attach(running, cancel)

	// Session liveness belongs to the manager while a command runs; the
	// transport deadline must not kill a connection that is busy streaming.
	// The streamer restores it after CommandComplete.
	c.conn.SetReadDeadline(time.Time{})

	c.emit(audit.EventCommandExecuted, c.folder.Name, commandLine(m.Command, m.Args))
	go c.streamOutput(c.session, running, cancel)
	return true
}

// commandEnv assembles the full child environment: folder environment,
// then session overrides, then the forced fsh variables. Nothing from the
// server process environment leaks in except PATH.
func (c *connection) commandEnv() []string {
	merged := make(map[string]string, len(c.folder.Env)+len(c.env)+4)
	if path := os.Getenv("PATH"); path != "" {
		merged["PATH"] = path
	}
	for k, v := range c.folder.Env {
		merged[k] = v
	}
	for k, v := range c.env {
		merged[k] = v
	}
	merged["FSH_ROOT"] = c.folder.Root
	merged["FSH_FOLDER"] = c.folder.Name
	if c.folder.ReadOnly {
		merged["FSH_MODE"] = "readonly"
	} else {
		merged["FSH_MODE"] = "readwrite"
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (c *connection) handleChangeDir(frame *protocol.Frame) bool {
	var m protocol.ChangeDir
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad ChangeDir payload: " + err.Error())
	}
	if m.SessionID != c.session.ID {
		return c.violation("change dir for foreign session " + m.SessionID)
	}

	validator := c.folder.Validator()
	resolved, err := validator.ResolveDir(c.session.WorkingDir(), m.Dir)
	if err != nil {
		resp := protocol.ChangeDirResponse{
			Success:    false,
			WorkingDir: c.session.WorkingDir(),
			Message:    err.Error(),
		}
		if errors.Is(err, sandbox.ErrPathEscape) {
			resp.Code = protocol.CodePathEscape
			resp.Message = "path escapes folder"
			c.emit(audit.EventPathEscape, c.folder.Name, m.Dir)
		}
		return c.send(protocol.MsgChangeDirResponse, resp) == nil
	}

	c.session.SetWorkingDir(resolved)
	rel := validator.Rel(resolved)
	return c.send(protocol.MsgChangeDirResponse, protocol.ChangeDirResponse{
		Success:    true,
		WorkingDir: resolved,
		Prompt:     c.folder.Prompt(rel),
	}) == nil
}

func (c *connection) handleFileList(frame *protocol.Frame) bool {
	var m protocol.FileList
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad FileList payload: " + err.Error())
	}
	if m.SessionID != c.session.ID {
		return c.violation("file list for foreign session " + m.SessionID)
	}

	if !c.folder.Can(registry.Read) {
		c.emit(audit.EventPermissionDenied, c.folder.Name, "list: "+m.Path)
		return c.send(protocol.MsgFileListResponse, protocol.FileListResponse{
			Success: false,
			Code:    protocol.CodePermissionDenied,
			Message: "read permission denied",
		}) == nil
	}

	validator := c.folder.Validator()
	resolved, err := validator.ResolveDir(c.session.WorkingDir(), m.Path)
	if err != nil {
		return c.send(protocol.MsgFileListResponse, c.fileListError(m.Path, err)) == nil
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return c.send(protocol.MsgFileListResponse, protocol.FileListResponse{
			Success: false,
			Message: err.Error(),
		}) == nil
	}

	entries := make([]protocol.FileEntry, 0, len(dirents))
	for _, de := range dirents {
		entry := protocol.FileEntry{Name: de.Name(), Dir: de.IsDir()}
		if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
			entry.ModTime = info.ModTime()
		}
		entries = append(entries, entry)
	}

	c.emit(audit.EventFileAccess, c.folder.Name, "list "+validator.Rel(resolved))
	return c.send(protocol.MsgFileListResponse, protocol.FileListResponse{
		Success: true,
		Path:    validator.Rel(resolved),
		Entries: entries,
	}) == nil
}

func (c *connection) fileListError(path string, err error) protocol.FileListResponse {
	resp := protocol.FileListResponse{Success: false, Message: err.Error()}
	if errors.Is(err, sandbox.ErrPathEscape) {
		resp.Code = protocol.CodePathEscape
		resp.Message = "path escapes folder"
		c.emit(audit.EventPathEscape, c.folder.Name, path)
	}
	return resp
}

func (c *connection) handleFileRead(frame *protocol.Frame) bool {
	var m protocol.FileRead
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad FileRead payload: " + err.Error())
	}
	if m.SessionID != c.session.ID {
		return c.violation("file read for foreign session " + m.SessionID)
	}

	if !c.folder.Can(registry.Read) {
		c.emit(audit.EventPermissionDenied, c.folder.Name, "read: "+m.Path)
		return c.send(protocol.MsgFileReadResponse, protocol.FileReadResponse{
			Success: false,
			Code:    protocol.CodePermissionDenied,
			Message: "read permission denied",
		}) == nil
	}

	validator := c.folder.Validator()
	resolved, err := validator.Resolve(c.session.WorkingDir(), m.Path)
	if err != nil {
		resp := protocol.FileReadResponse{Success: false, Message: err.Error()}
		if errors.Is(err, sandbox.ErrPathEscape) {
			resp.Code = protocol.CodePathEscape
			resp.Message = "path escapes folder"
			c.emit(audit.EventPathEscape, c.folder.Name, m.Path)
		}
		return c.send(protocol.MsgFileReadResponse, resp) == nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return c.send(protocol.MsgFileReadResponse, protocol.FileReadResponse{
			Success: false,
			Message: err.Error(),
		}) == nil
	}
	if info.Size() > maxFileTransfer {
		return c.send(protocol.MsgFileReadResponse, protocol.FileReadResponse{
			Success: false,
			Code:    protocol.CodeResourceExhausted,
			Message: fmt.Sprintf("file exceeds %d byte transfer limit", maxFileTransfer),
		}) == nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return c.send(protocol.MsgFileReadResponse, protocol.FileReadResponse{
			Success: false,
			Message: err.Error(),
		}) == nil
	}

	c.emit(audit.EventFileAccess, c.folder.Name, "read "+validator.Rel(resolved))
	return c.send(protocol.MsgFileReadResponse, protocol.FileReadResponse{
		Success: true,
		Path:    validator.Rel(resolved),
		Data:    data,
	}) == nil
}

func (c *connection) handleFileWrite(frame *protocol.Frame) bool {
	var m protocol.FileWrite
	if err := frame.Decode(&m); err != nil {
		return c.violation("bad FileWrite payload: " + err.Error())
	}
	if m.SessionID != c.session.ID {
		return c.violation("file write for foreign session " + m.SessionID)
	}

	if !c.folder.Can(registry.Write) {
		c.emit(audit.EventPermissionDenied, c.folder.Name, "write: "+m.Path)
		return c.send(protocol.MsgFileWriteResponse, protocol.FileWriteResponse{
			Success: false,
			Code:    protocol.CodePermissionDenied,
			Message: "write permission denied",
		}) == nil
	}
	if len(m.Data) > maxFileTransfer {
		return c.send(protocol.MsgFileWriteResponse, protocol.FileWriteResponse{
			Success: false,
			Code:    protocol.CodeResourceExhausted,
			Message: fmt.Sprintf("payload exceeds %d byte transfer limit", maxFileTransfer),
		}) == nil
	}

	validator := c.folder.Validator()
	resolved, err := validator.Resolve(c.session.WorkingDir(), m.Path)
	if err != nil {
		resp := protocol.FileWriteResponse{Success: false, Message: err.Error()}
		if errors.Is(err, sandbox.ErrPathEscape) {
			resp.Code = protocol.CodePathEscape
			resp.Message = "path escapes folder"
			c.emit(audit.EventPathEscape, c.folder.Name, m.Path)
		}
		return c.send(protocol.MsgFileWriteResponse, resp) == nil
	}

	if err := os.WriteFile(resolved, m.Data, 0o644); err != nil {
		return c.send(protocol.MsgFileWriteResponse, protocol.FileWriteResponse{
			Success: false,
			Message: err.Error(),
		}) == nil
	}

	c.emit(audit.EventFileAccess, c.folder.Name, fmt.Sprintf("write %s (%d bytes)", validator.Rel(resolved), len(m.Data)))
	return c.send(protocol.MsgFileWriteResponse, protocol.FileWriteResponse{
		Success: true,
		Path:    validator.Rel(resolved),
	}) == nil
}

// violation audits the offense, tells the client, and closes.
func (c *connection) violation(detail string) bool {
	c.emit(audit.EventProtocolViolation, "", detail)
	_ = c.send(protocol.MsgError, protocol.Error{
		Code:    protocol.CodeProtocolViolation,
		Message: detail,
	})
	return false
}

func (c *connection) touch() {
	if c.session != nil {
		c.session.Touch()
	}
	if c.state != stateSessionActive {
		return
	}
	c.extendDeadline()
}

// extendDeadline pushes the transport read deadline past the idle horizon.
// Safe from the streaming goroutine; SetReadDeadline is concurrency-safe.
func (c *connection) extendDeadline() {
	if c.srv.idleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout + deadlineSlack))
	}
}

func (c *connection) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	if c.session != nil {
		c.srv.sessions.Terminate(c.session.ID)
		c.emit(audit.EventSessionTerminated, c.folder.Name, "")
	}
	c.conn.Close()
	c.emit(audit.EventConnectionClosed, "", "")
}

func commandLine(command string, args []string) string {
	line := command
	for _, a := range args {
		line += " " + a
	}
	return line
}
