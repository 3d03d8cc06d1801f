//go:build !windows

package server

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/fsh/internal/config"
	"github.com/ppiankov/fsh/internal/protocol"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (srv *Server, addr, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfg := config.Default()
	cfg.Server.MaxConnections = 8
	cfg.Security.AuditLog = filepath.Join(t.TempDir(), "audit.log")
	cfg.Folders = []config.FolderConfig{{Name: "work", Path: dir, Shell: "sh"}}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)
	t.Cleanup(func() { srv.Close() })
	return srv, lis.Addr().String(), dir
}

type wire struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *wire {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &wire{t: t, conn: conn}
}

func (w *wire) send(mt protocol.MsgType, payload any) {
	w.t.Helper()
	if err := protocol.WriteMessage(w.conn, mt, payload); err != nil {
		w.t.Fatalf("send %s: %v", mt, err)
	}
}

func (w *wire) read() *protocol.Frame {
	w.t.Helper()
	frame, err := protocol.ReadFrame(w.conn)
	if err != nil {
		w.t.Fatalf("read frame: %v", err)
	}
	return frame
}

func (w *wire) expect(mt protocol.MsgType, v any) {
	w.t.Helper()
	frame := w.read()
	if frame.Type != mt {
		w.t.Fatalf("got %s frame, want %s (payload %s)", frame.Type, mt, frame.Payload)
	}
	if v != nil {
		if err := frame.Decode(v); err != nil {
			w.t.Fatalf("decode %s: %v", mt, err)
		}
	}
}

// expectClosed asserts the server has closed the connection.
func (w *wire) expectClosed() {
	w.t.Helper()
	_, err := protocol.ReadFrame(w.conn)
	if err == nil {
		w.t.Fatal("connection still open, expected close")
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		var netErr net.Error
		if !errors.As(err, &netErr) {
			w.t.Fatalf("unexpected read error: %v", err)
		}
	}
}

func (w *wire) connect() protocol.ConnectResponse {
	w.t.Helper()
	w.send(protocol.MsgConnect, protocol.Connect{
		Version:    protocol.Version,
		ClientName: "test",
		Platform:   "test",
	})
	var resp protocol.ConnectResponse
	w.expect(protocol.MsgConnectResponse, &resp)
	return resp
}

func (w *wire) authenticate(token string) protocol.AuthResponse {
	w.t.Helper()
	w.send(protocol.MsgAuthenticate, protocol.Authenticate{
		Method:      "token",
		Credentials: map[string]string{"token": token},
	})
	var resp protocol.AuthResponse
	w.expect(protocol.MsgAuthResponse, &resp)
	return resp
}

// handshake runs Connect through SessionStart and returns the session id.
func (w *wire) handshake(folder string) string {
	w.t.Helper()
	if resp := w.connect(); !resp.Success {
		w.t.Fatalf("connect refused: %s", resp.Message)
	}
	if resp := w.authenticate("default"); !resp.Success {
		w.t.Fatalf("auth refused: %s", resp.Message)
	}
	w.send(protocol.MsgFolderBind, protocol.FolderBind{Folder: folder})
	var bound protocol.FolderBound
	w.expect(protocol.MsgFolderBound, &bound)
	if !bound.Success {
		w.t.Fatalf("bind refused: %s", bound.Message)
	}
	w.send(protocol.MsgSessionStart, protocol.SessionStart{})
	var ready protocol.SessionReady
	w.expect(protocol.MsgSessionReady, &ready)
	if ready.SessionID == "" {
		w.t.Fatal("empty session id")
	}
	return ready.SessionID
}

// collectCommand reads output frames until CommandComplete.
func (w *wire) collectCommand() (stdout, stderr string, complete protocol.CommandComplete) {
	w.t.Helper()
	for {
		frame := w.read()
		switch frame.Type {
		case protocol.MsgCommandOutput:
			var out protocol.CommandOutput
			if err := frame.Decode(&out); err != nil {
				w.t.Fatalf("decode output: %v", err)
			}
			if out.Stream == protocol.StreamStderr {
				stderr += string(out.Data)
			} else {
				stdout += string(out.Data)
			}
		case protocol.MsgCommandComplete:
			if err := frame.Decode(&complete); err != nil {
				w.t.Fatalf("decode complete: %v", err)
			}
			return
		default:
			w.t.Fatalf("unexpected %s frame during command", frame.Type)
		}
	}
}

func TestConnectListsFolders(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	resp := w.connect()
	if !resp.Success {
		t.Fatalf("connect refused: %s", resp.Message)
	}
	if resp.ServerVersion != protocol.Version {
		t.Errorf("server version = %q", resp.ServerVersion)
	}
	if len(resp.Folders) != 1 || resp.Folders[0] != "work" {
		t.Errorf("folders = %v", resp.Folders)
	}
}

func TestVersionMismatchRefused(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	w.send(protocol.MsgConnect, protocol.Connect{Version: "9.9"})
	var resp protocol.ConnectResponse
	w.expect(protocol.MsgConnectResponse, &resp)
	if resp.Success {
		t.Error("mismatched version accepted")
	}
	w.expectClosed()
}

func TestMessageBeforeConnectIsViolation(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	w.send(protocol.MsgAuthenticate, protocol.Authenticate{Method: "token"})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeProtocolViolation {
		t.Errorf("code = %q", e.Code)
	}
	w.expectClosed()
}

func TestCommandBeforeSessionIsViolation(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	w.connect()
	w.authenticate("default")
	w.send(protocol.MsgCommand, protocol.Command{Command: "echo"})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeProtocolViolation {
		t.Errorf("code = %q", e.Code)
	}
	w.expectClosed()
}

func TestAuthWrongTokenThenRight(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	w.connect()
	if resp := w.authenticate("wrong"); resp.Success {
		t.Fatal("bad token accepted")
	}
	if resp := w.authenticate("default"); !resp.Success {
		t.Fatalf("good token refused: %s", resp.Message)
	}
}

func TestLockoutClosesConnection(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.MaxFailedAttempts = 3
	})
	w := dial(t, addr)

	w.connect()
	for i := 0; i < 2; i++ {
		if resp := w.authenticate("wrong"); resp.Success {
			t.Fatal("bad token accepted")
		}
	}

	// Third consecutive failure trips the lockout.
	w.send(protocol.MsgAuthenticate, protocol.Authenticate{
		Method:      "token",
		Credentials: map[string]string{"token": "wrong"},
	})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeAuthLockout {
		t.Errorf("code = %q", e.Code)
	}
	w.expectClosed()
}

func TestBindUnknownFolderKeepsConnection(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)

	w.connect()
	w.authenticate("default")
	w.send(protocol.MsgFolderBind, protocol.FolderBind{Folder: "nope"})
	var bound protocol.FolderBound
	w.expect(protocol.MsgFolderBound, &bound)
	if bound.Success || bound.Code != protocol.CodeFolderNotFound {
		t.Fatalf("bound = %+v", bound)
	}

	// The connection stays authenticated; a second bind works.
	w.send(protocol.MsgFolderBind, protocol.FolderBind{Folder: "work"})
	w.expect(protocol.MsgFolderBound, &bound)
	if !bound.Success {
		t.Fatalf("second bind refused: %s", bound.Message)
	}
}

func TestCommandStreamsOutput(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "echo", Args: []string{"hello"}})
	stdout, _, complete := w.collectCommand()
	if complete.ExitCode != 0 {
		t.Errorf("exit = %d (%s)", complete.ExitCode, complete.Error)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCommandNonZeroExit(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "sh", Args: []string{"-c", "exit 7"}})
	_, _, complete := w.collectCommand()
	if complete.ExitCode != 7 {
		t.Errorf("exit = %d", complete.ExitCode)
	}
}

func TestBlockedCommandDenied(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Folders[0].BlockedCommands = []string{"rm"}
	})
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "rm", Args: []string{"-rf", "."}})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeCommandBlocked {
		t.Errorf("code = %q", e.Code)
	}
	var complete protocol.CommandComplete
	w.expect(protocol.MsgCommandComplete, &complete)
	if complete.ExitCode != -1 {
		t.Errorf("exit = %d", complete.ExitCode)
	}
}

func TestAllowListRestrictsCommands(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Folders[0].AllowedCommands = []string{"echo"}
	})
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "ls"})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeCommandNotAllowed {
		t.Errorf("code = %q", e.Code)
	}
	w.expect(protocol.MsgCommandComplete, nil)
}

func TestSpawnFailureCompletesExchange(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "/nonexistent/binary-xyz"})
	_, _, complete := w.collectCommand()
	if complete.ExitCode != -1 || complete.Error == "" {
		t.Errorf("complete = %+v", complete)
	}

	// The session survives a spawn failure.
	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "echo", Args: []string{"ok"}})
	stdout, _, complete := w.collectCommand()
	if complete.ExitCode != 0 || strings.TrimSpace(stdout) != "ok" {
		t.Errorf("stdout=%q complete=%+v", stdout, complete)
	}
}

func TestBusySessionRejectsSecondCommand(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "sleep", Args: []string{"10"}})
	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "echo", Args: []string{"x"}})

	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeBusy {
		t.Errorf("code = %q", e.Code)
	}

	w.send(protocol.MsgCancel, protocol.Cancel{SessionID: sid})
	_, _, complete := w.collectCommand()
	if complete.ExitCode == 0 {
		t.Error("cancelled command reported exit 0")
	}
}

func TestChangeDirAndEscape(t *testing.T) {
	_, addr, dir := newTestServer(t, nil)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid, Dir: "sub"})
	var resp protocol.ChangeDirResponse
	w.expect(protocol.MsgChangeDirResponse, &resp)
	if !resp.Success || filepath.Base(resp.WorkingDir) != "sub" {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Prompt, "sub") {
		t.Errorf("prompt = %q", resp.Prompt)
	}

	// Escaping above the root is refused and the cwd is retained.
	w.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid, Dir: "../../.."})
	w.expect(protocol.MsgChangeDirResponse, &resp)
	if resp.Success || resp.Code != protocol.CodePathEscape {
		t.Fatalf("resp = %+v", resp)
	}
	if filepath.Base(resp.WorkingDir) != "sub" {
		t.Errorf("cwd after failed cd = %q", resp.WorkingDir)
	}
}

func TestFileWriteReadList(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgFileWrite, protocol.FileWrite{SessionID: sid, Path: "notes.txt", Data: []byte("hi there")})
	var wresp protocol.FileWriteResponse
	w.expect(protocol.MsgFileWriteResponse, &wresp)
	if !wresp.Success {
		t.Fatalf("write refused: %s", wresp.Message)
	}

	w.send(protocol.MsgFileRead, protocol.FileRead{SessionID: sid, Path: "notes.txt"})
	var rresp protocol.FileReadResponse
	w.expect(protocol.MsgFileReadResponse, &rresp)
	if !rresp.Success || string(rresp.Data) != "hi there" {
		t.Fatalf("read = %+v", rresp)
	}

	w.send(protocol.MsgFileList, protocol.FileList{SessionID: sid, Path: "."})
	var lresp protocol.FileListResponse
	w.expect(protocol.MsgFileListResponse, &lresp)
	if !lresp.Success || len(lresp.Entries) != 1 || lresp.Entries[0].Name != "notes.txt" {
		t.Fatalf("list = %+v", lresp)
	}
}

func TestFileReadEscapeRefused(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgFileRead, protocol.FileRead{SessionID: sid, Path: "../../../etc/passwd"})
	var resp protocol.FileReadResponse
	w.expect(protocol.MsgFileReadResponse, &resp)
	if resp.Success || resp.Code != protocol.CodePathEscape {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestReadonlyFolderRefusesWrite(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Folders[0].ReadOnly = true
	})
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgFileWrite, protocol.FileWrite{SessionID: sid, Path: "x.txt", Data: []byte("no")})
	var resp protocol.FileWriteResponse
	w.expect(protocol.MsgFileWriteResponse, &resp)
	if resp.Success || resp.Code != protocol.CodePermissionDenied {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRateLimitRefusesRequestKeepsConnection(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.RateLimit = config.RateLimitConfig{MaxRequests: 2, WindowSeconds: 60}
	})
	w := dial(t, addr)
	sid := w.handshake("work")

	for i := 0; i < 2; i++ {
		w.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid, Dir: "."})
		w.expect(protocol.MsgChangeDirResponse, nil)
	}

	w.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid, Dir: "."})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeRateLimited {
		t.Errorf("code = %q", e.Code)
	}

	// Ping is not policed; the connection must still be alive.
	w.send(protocol.MsgPing, nil)
	w.expect(protocol.MsgPong, nil)
}

func TestForeignSessionIDIsViolation(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: "someone-else", Command: "echo"})
	var e protocol.Error
	w.expect(protocol.MsgError, &e)
	if e.Code != protocol.CodeProtocolViolation {
		t.Errorf("code = %q", e.Code)
	}
	w.expectClosed()
}

func TestDisconnectClosesCleanly(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	w.handshake("work")

	w.send(protocol.MsgDisconnect, protocol.Disconnect{Reason: "done"})
	w.expectClosed()
}

func TestNoAuthRequiredSkipsToAuthenticated(t *testing.T) {
	_, addr, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.RequireAuthentication = false
	})
	w := dial(t, addr)

	w.connect()
	w.send(protocol.MsgFolderBind, protocol.FolderBind{Folder: "work"})
	var bound protocol.FolderBound
	w.expect(protocol.MsgFolderBound, &bound)
	if !bound.Success {
		t.Fatalf("bind refused: %s", bound.Message)
	}
}

func TestStreamingCommandOutlivesIdleDeadline(t *testing.T) {
	// Shrink the transport deadline so the whole test runs in seconds. The
	// overrides happen before the server starts serving. The command below
	// streams for well past the deadline; continuous output must keep the
	// connection alive.
	prevSlack := deadlineSlack
	deadlineSlack = 0
	t.Cleanup(func() { deadlineSlack = prevSlack })

	cfg := config.Default()
	cfg.Security.AuditLog = filepath.Join(t.TempDir(), "audit.log")
	cfg.Folders = []config.FolderConfig{{Name: "work", Path: t.TempDir(), Shell: "sh"}}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.idleTimeout = time.Second

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)
	t.Cleanup(func() { srv.Close() })

	w := dial(t, lis.Addr().String())
	w.conn.SetDeadline(time.Now().Add(30 * time.Second))
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{
		SessionID: sid,
		Command:   "sh",
		Args:      []string{"-c", "for i in 1 2 3 4 5 6 7 8; do echo tick; sleep 0.3; done"},
	})
	stdout, _, complete := w.collectCommand()
	if complete.ExitCode != 0 {
		t.Fatalf("streaming command killed: %+v", complete)
	}
	if got := strings.Count(stdout, "tick"); got != 8 {
		t.Errorf("ticks = %d, want 8", got)
	}

	// The deadline is restored after completion and the connection lives.
	w.send(protocol.MsgPing, nil)
	w.expect(protocol.MsgPong, nil)
}

func TestConcurrentSessionsIsolateWorkingDir(t *testing.T) {
	_, addr, dir := newTestServer(t, nil)
	for _, sub := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	w1 := dial(t, addr)
	w2 := dial(t, addr)
	sid1 := w1.handshake("work")
	sid2 := w2.handshake("work")
	if sid1 == sid2 {
		t.Fatal("two connections share a session id")
	}

	w1.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid1, Dir: "a"})
	w2.send(protocol.MsgChangeDir, protocol.ChangeDir{SessionID: sid2, Dir: "b"})
	var r1, r2 protocol.ChangeDirResponse
	w1.expect(protocol.MsgChangeDirResponse, &r1)
	w2.expect(protocol.MsgChangeDirResponse, &r2)
	if !r1.Success || !r2.Success {
		t.Fatalf("cd failed: %+v / %+v", r1, r2)
	}

	// Each session runs in its own directory; neither sees the other's cd.
	w1.send(protocol.MsgCommand, protocol.Command{SessionID: sid1, Command: "pwd"})
	out1, _, c1 := w1.collectCommand()
	w2.send(protocol.MsgCommand, protocol.Command{SessionID: sid2, Command: "pwd"})
	out2, _, c2 := w2.collectCommand()
	if c1.ExitCode != 0 || c2.ExitCode != 0 {
		t.Fatalf("pwd failed: %+v / %+v", c1, c2)
	}
	if base := filepath.Base(strings.TrimSpace(out1)); base != "a" {
		t.Errorf("session 1 pwd = %q, want .../a", strings.TrimSpace(out1))
	}
	if base := filepath.Base(strings.TrimSpace(out2)); base != "b" {
		t.Errorf("session 2 pwd = %q, want .../b", strings.TrimSpace(out2))
	}
}

func TestImmediateNextCommandAfterComplete(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	// Pipelining the next Command right after reading CommandComplete must
	// never hit a Busy rejection.
	for i := 0; i < 15; i++ {
		w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "true"})
		for {
			frame := w.read()
			if frame.Type == protocol.MsgCommandComplete {
				break
			}
			if frame.Type == protocol.MsgError {
				t.Fatalf("iteration %d: error frame %s", i, frame.Payload)
			}
		}
	}
}

func TestSpawnFailureAudited(t *testing.T) {
	srv, addr, _ := newTestServer(t, nil)
	w := dial(t, addr)
	sid := w.handshake("work")

	w.send(protocol.MsgCommand, protocol.Command{SessionID: sid, Command: "/nonexistent/binary-xyz"})
	_, _, complete := w.collectCommand()
	if complete.ExitCode != -1 {
		t.Fatalf("complete = %+v", complete)
	}

	srv.Close() // flush the audit pipeline
	data, err := os.ReadFile(srv.cfg.Security.AuditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"type":"spawn_failure"`) {
		t.Error("spawn failure not audited as spawn_failure")
	}
	if strings.Contains(string(data), `"type":"command_denied"`) {
		t.Error("spawn failure audited as a policy denial")
	}
}

func TestCommandEnvironment(t *testing.T) {
	_, addr, dir := newTestServer(t, func(cfg *config.Config) {
		cfg.Folders[0].Environment = map[string]string{"PROJECT": "demo"}
	})
	w := dial(t, addr)

	w.connect()
	w.authenticate("default")
	w.send(protocol.MsgFolderBind, protocol.FolderBind{Folder: "work"})
	w.expect(protocol.MsgFolderBound, nil)
	w.send(protocol.MsgSessionStart, protocol.SessionStart{Env: map[string]string{"EXTRA": "1"}})
	var ready protocol.SessionReady
	w.expect(protocol.MsgSessionReady, &ready)

	w.send(protocol.MsgCommand, protocol.Command{SessionID: ready.SessionID, Command: "env"})
	stdout, _, complete := w.collectCommand()
	if complete.ExitCode != 0 {
		t.Fatalf("env failed: %+v", complete)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	for _, want := range []string{"PROJECT=demo", "EXTRA=1", "FSH_ROOT=" + resolved, "FSH_FOLDER=work", "FSH_MODE=readwrite"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("env missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "HOME=") {
		t.Error("server HOME leaked into command environment")
	}
}
