// Package client implements the fsh protocol from the connecting side: the
// handshake sequence, command streaming, and the interactive shell loop used
// by `fsh connect`.
package client

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/ppiankov/fsh/internal/protocol"
)

// dialTimeout bounds the TCP connect; protocol exchanges after that use
// opTimeout per request.
const (
	dialTimeout = 10 * time.Second
	opTimeout   = 30 * time.Second
)

// ErrRefused wraps any negative response during the handshake.
var ErrRefused = errors.New("refused by server")

// ServerInfo is what the server reported at connect time.
type ServerInfo struct {
	Version  string
	Features []string
	Folders  []string
	Host     protocol.HostInfo
}

// Binding is the folder state after a successful bind.
type Binding struct {
	Folder      string
	WorkingDir  string
	Permissions []string
	Shell       string
	ReadOnly    bool
}

// Client is one fsh connection. Not safe for concurrent use; the protocol
// is strictly request/response from the client side.
type Client struct {
	conn      net.Conn
	sessionID string
	prompt    string
	cwd       string
}

// Dial opens a TCP connection and performs the version handshake.
func Dial(addr string) (*Client, *ServerInfo, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{conn: conn}
	info, err := c.connect()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return c, info, nil
}

func (c *Client) connect() (*ServerInfo, error) {
	resp := protocol.ConnectResponse{}
	err := c.roundTrip(protocol.MsgConnect, protocol.Connect{
		Version:    protocol.Version,
		ClientName: "fsh",
		Platform:   runtime.GOOS,
	}, protocol.MsgConnectResponse, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return &ServerInfo{
		Version:  resp.ServerVersion,
		Features: resp.Features,
		Folders:  resp.Folders,
		Host:     resp.Host,
	}, nil
}

// AuthenticateToken presents a bearer token.
func (c *Client) AuthenticateToken(token string) error {
	return c.authenticate("token", map[string]string{"token": token})
}

// AuthenticatePassword presents a username and password.
func (c *Client) AuthenticatePassword(user, password string) error {
	return c.authenticate("password", map[string]string{"user": user, "password": password})
}

func (c *Client) authenticate(method string, creds map[string]string) error {
	resp := protocol.AuthResponse{}
	err := c.roundTrip(protocol.MsgAuthenticate, protocol.Authenticate{
		Method:      method,
		Credentials: creds,
	}, protocol.MsgAuthResponse, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return nil
}

// Bind attaches the connection to a named folder.
func (c *Client) Bind(folder string) (*Binding, error) {
	resp := protocol.FolderBound{}
	err := c.roundTrip(protocol.MsgFolderBind, protocol.FolderBind{Folder: folder},
		protocol.MsgFolderBound, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return &Binding{
		Folder:      resp.Folder,
		WorkingDir:  resp.WorkingDir,
		Permissions: resp.Permissions,
		Shell:       resp.Shell,
		ReadOnly:    resp.ReadOnly,
	}, nil
}

// StartSession opens the shell session and returns the initial prompt.
func (c *Client) StartSession(env map[string]string) (string, error) {
	resp := protocol.SessionReady{}
	err := c.roundTrip(protocol.MsgSessionStart, protocol.SessionStart{Env: env},
		protocol.MsgSessionReady, &resp)
	if err != nil {
		return "", err
	}
	c.sessionID = resp.SessionID
	c.prompt = resp.Prompt
	c.cwd = resp.WorkingDir
	return resp.Prompt, nil
}

// Prompt returns the current prompt hint.
func (c *Client) Prompt() string {
	return c.prompt
}

// OutputFunc receives one chunk of streamed command output.
type OutputFunc func(stream string, data []byte)

// Run executes one command and streams its output through out until the
// server reports completion. The returned exit code is the process exit
// code, or -1 with a non-nil error for refused or failed commands.
func (c *Client) Run(command string, args []string, out OutputFunc) (int, error) {
	err := c.send(protocol.MsgCommand, protocol.Command{
		SessionID: c.sessionID,
		Command:   command,
		Args:      args,
	})
	if err != nil {
		return -1, err
	}

	// A long-running command should not trip the per-request deadline;
	// completion is bounded by the server, not the client.
	c.conn.SetReadDeadline(time.Time{})
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			return -1, fmt.Errorf("read command stream: %w", err)
		}
		switch frame.Type {
		case protocol.MsgCommandOutput:
			var chunk protocol.CommandOutput
			if err := frame.Decode(&chunk); err != nil {
				return -1, err
			}
			if out != nil {
				out(chunk.Stream, chunk.Data)
			}
		case protocol.MsgCommandComplete:
			var complete protocol.CommandComplete
			if err := frame.Decode(&complete); err != nil {
				return -1, err
			}
			if complete.Error != "" {
				return complete.ExitCode, errors.New(complete.Error)
			}
			return complete.ExitCode, nil
		case protocol.MsgError:
			var e protocol.Error
			if err := frame.Decode(&e); err != nil {
				return -1, err
			}
			// A refusal frame is followed by CommandComplete for filter
			// denials; swallow it so the next exchange starts clean.
			if e.Code == protocol.CodeCommandBlocked || e.Code == protocol.CodeCommandNotAllowed {
				if next, err := protocol.ReadFrame(c.conn); err == nil && next.Type != protocol.MsgCommandComplete {
					return -1, fmt.Errorf("unexpected %s after refusal", next.Type)
				}
			}
			return -1, fmt.Errorf("%s: %s", e.Code, e.Message)
		default:
			return -1, fmt.Errorf("unexpected %s frame during command", frame.Type)
		}
	}
}

// Cancel aborts the in-flight command. The completion frame still arrives
// on the stream being read by Run.
func (c *Client) Cancel() error {
	return c.send(protocol.MsgCancel, protocol.Cancel{SessionID: c.sessionID})
}

// ChangeDir moves the session working directory. On failure the server
// keeps the previous directory and so does the client.
func (c *Client) ChangeDir(dir string) (string, error) {
	resp := protocol.ChangeDirResponse{}
	err := c.roundTrip(protocol.MsgChangeDir, protocol.ChangeDir{
		SessionID: c.sessionID,
		Dir:       dir,
	}, protocol.MsgChangeDirResponse, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	c.prompt = resp.Prompt
	c.cwd = resp.WorkingDir
	return resp.WorkingDir, nil
}

// ListFiles returns the directory listing for path, relative to the cwd.
func (c *Client) ListFiles(path string) ([]protocol.FileEntry, error) {
	resp := protocol.FileListResponse{}
	err := c.roundTrip(protocol.MsgFileList, protocol.FileList{
		SessionID: c.sessionID,
		Path:      path,
	}, protocol.MsgFileListResponse, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return resp.Entries, nil
}

// ReadFile fetches one file.
func (c *Client) ReadFile(path string) ([]byte, error) {
	resp := protocol.FileReadResponse{}
	err := c.roundTrip(protocol.MsgFileRead, protocol.FileRead{
		SessionID: c.sessionID,
		Path:      path,
	}, protocol.MsgFileReadResponse, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return resp.Data, nil
}

// WriteFile stores one file inside the folder.
func (c *Client) WriteFile(path string, data []byte) error {
	resp := protocol.FileWriteResponse{}
	err := c.roundTrip(protocol.MsgFileWrite, protocol.FileWrite{
		SessionID: c.sessionID,
		Path:      path,
		Data:      data,
	}, protocol.MsgFileWriteResponse, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrRefused, resp.Message)
	}
	return nil
}

// Ping checks liveness and defers idle eviction.
func (c *Client) Ping() error {
	return c.roundTrip(protocol.MsgPing, nil, protocol.MsgPong, nil)
}

// Close sends a graceful Disconnect and closes the socket.
func (c *Client) Close() error {
	_ = c.send(protocol.MsgDisconnect, protocol.Disconnect{Reason: "client exit"})
	return c.conn.Close()
}

func (c *Client) send(t protocol.MsgType, payload any) error {
	c.conn.SetWriteDeadline(time.Now().Add(opTimeout))
	return protocol.WriteMessage(c.conn, t, payload)
}

// roundTrip sends one request and decodes the expected response. An Error
// frame in its place is surfaced as an error.
func (c *Client) roundTrip(req protocol.MsgType, payload any, want protocol.MsgType, v any) error {
	if err := c.send(req, payload); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(opTimeout))
	frame, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("read %s response: %w", req, err)
	}
	if frame.Type == protocol.MsgError {
		var e protocol.Error
		if err := frame.Decode(&e); err != nil {
			return err
		}
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
	if frame.Type != want {
		return fmt.Errorf("got %s frame, want %s", frame.Type, want)
	}
	if v == nil {
		return nil
	}
	return frame.Decode(v)
}
