// Package protocol defines the fsh wire protocol: typed messages and the
// length-prefixed binary framing used in both directions over TCP.
package protocol

import "time"

// Version is the protocol version exchanged during the Connect handshake.
// Client and server must agree exactly.
const Version = "1.0"

// MsgType tags one frame on the wire.
type MsgType byte

const (
	MsgConnect MsgType = iota + 1
	MsgConnectResponse
	MsgAuthenticate
	MsgAuthResponse
	MsgFolderBind
	MsgFolderBound
	MsgSessionStart
	MsgSessionReady
	MsgCommand
	MsgCommandOutput
	MsgCommandComplete
	MsgCancel
	MsgChangeDir
	MsgChangeDirResponse
	MsgFileList
	MsgFileListResponse
	MsgFileRead
	MsgFileReadResponse
	MsgFileWrite
	MsgFileWriteResponse
	MsgPing
	MsgPong
	MsgDisconnect
	MsgError
)

var msgTypeNames = map[MsgType]string{
	MsgConnect:           "Connect",
	MsgConnectResponse:   "ConnectResponse",
	MsgAuthenticate:      "Authenticate",
	MsgAuthResponse:      "AuthResponse",
	MsgFolderBind:        "FolderBind",
	MsgFolderBound:       "FolderBound",
	MsgSessionStart:      "SessionStart",
	MsgSessionReady:      "SessionReady",
	MsgCommand:           "Command",
	MsgCommandOutput:     "CommandOutput",
	MsgCommandComplete:   "CommandComplete",
	MsgCancel:            "Cancel",
	MsgChangeDir:         "ChangeDir",
	MsgChangeDirResponse: "ChangeDirResponse",
	MsgFileList:          "FileList",
	MsgFileListResponse:  "FileListResponse",
	MsgFileRead:          "FileRead",
	MsgFileReadResponse:  "FileReadResponse",
	MsgFileWrite:         "FileWrite",
	MsgFileWriteResponse: "FileWriteResponse",
	MsgPing:              "Ping",
	MsgPong:              "Pong",
	MsgDisconnect:        "Disconnect",
	MsgError:             "Error",
}

func (t MsgType) String() string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// ErrorCode is the typed failure reason carried in Error frames and in
// negative responses.
type ErrorCode string

const (
	CodeProtocolViolation ErrorCode = "protocol_violation"
	CodeVersionMismatch   ErrorCode = "version_mismatch"
	CodeAuthFailure       ErrorCode = "auth_failure"
	CodeAuthLockout       ErrorCode = "auth_lockout"
	CodeFolderNotFound    ErrorCode = "folder_not_found"
	CodePathEscape        ErrorCode = "path_escape"
	CodeCommandBlocked    ErrorCode = "command_blocked"
	CodeCommandNotAllowed ErrorCode = "command_not_allowed"
	CodePermissionDenied  ErrorCode = "permission_denied"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeSessionTimeout    ErrorCode = "session_timeout"
	CodeSpawnFailure      ErrorCode = "spawn_failure"
	CodeBusy              ErrorCode = "busy"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
)

// Stream discriminators for CommandOutput frames.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// HostInfo is a best-effort snapshot of the server host, reported in
// ConnectResponse. Zero values mean the probe failed.
type HostInfo struct {
	Hostname string  `json:"hostname,omitempty"`
	OS       string  `json:"os,omitempty"`
	Arch     string  `json:"arch,omitempty"`
	CPUs     int     `json:"cpus,omitempty"`
	MemoryMB uint64  `json:"memory_mb,omitempty"`
	Load1    float64 `json:"load1,omitempty"`
}

// Connect opens the handshake. Sent first on every connection.
type Connect struct {
	Version    string   `json:"version"`
	ClientName string   `json:"client_name"`
	Platform   string   `json:"platform"`
	Features   []string `json:"features,omitempty"`
}

// ConnectResponse answers Connect with server metadata and the names of
// folders the server exposes.
type ConnectResponse struct {
	Success       bool     `json:"success"`
	ServerVersion string   `json:"server_version"`
	Features      []string `json:"features,omitempty"`
	Folders       []string `json:"folders,omitempty"`
	Host          HostInfo `json:"host,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// Authenticate carries one credential attempt.
type Authenticate struct {
	Method      string            `json:"method"`
	Credentials map[string]string `json:"credentials"`
}

// AuthResponse reports the outcome of one Authenticate. On failure the
// message never reveals which credential element was wrong.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FolderBind asks to bind the connection to one named folder.
type FolderBind struct {
	Folder string `json:"folder"`
}

// FolderBound reports the resolved folder on success.
type FolderBound struct {
	Success     bool      `json:"success"`
	Folder      string    `json:"folder,omitempty"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Shell       string    `json:"shell,omitempty"`
	ReadOnly    bool      `json:"readonly,omitempty"`
	Code        ErrorCode `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// SessionStart opens a shell session on the bound folder.
type SessionStart struct {
	Env map[string]string `json:"env,omitempty"`
}

// SessionReady confirms the session and carries the initial prompt hint.
type SessionReady struct {
	SessionID  string `json:"session_id"`
	Prompt     string `json:"prompt"`
	WorkingDir string `json:"working_dir"`
}

// Command requests execution of one command in the session.
type Command struct {
	SessionID string   `json:"session_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

// CommandOutput is one streamed chunk of process output.
type CommandOutput struct {
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Data      []byte `json:"data"`
}

// CommandComplete terminates an output stream with the process exit code.
// Spawn failures surface here with a synthetic non-zero exit and Error set.
type CommandComplete struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
}

// Cancel aborts the in-flight command of the session, if any.
type Cancel struct {
	SessionID string `json:"session_id"`
}

// ChangeDir moves the session working directory within the folder.
type ChangeDir struct {
	SessionID string `json:"session_id"`
	Dir       string `json:"dir"`
}

// ChangeDirResponse reports the directory after a ChangeDir. On failure the
// prior working directory is retained and returned.
type ChangeDirResponse struct {
	Success    bool      `json:"success"`
	WorkingDir string    `json:"working_dir"`
	Prompt     string    `json:"prompt,omitempty"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// FileEntry is one row of a FileListResponse.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time"`
}

// FileList requests a directory listing relative to the session cwd.
type FileList struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// FileListResponse answers FileList.
type FileListResponse struct {
	Success bool        `json:"success"`
	Path    string      `json:"path,omitempty"`
	Entries []FileEntry `json:"entries,omitempty"`
	Code    ErrorCode   `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// FileRead requests the contents of one file.
type FileRead struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// FileReadResponse answers FileRead.
type FileReadResponse struct {
	Success bool      `json:"success"`
	Path    string    `json:"path,omitempty"`
	Data    []byte    `json:"data,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// FileWrite writes a file inside the folder. Requires write permission and
// is refused on readonly folders.
type FileWrite struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data"`
}

// FileWriteResponse answers FileWrite.
type FileWriteResponse struct {
	Success bool      `json:"success"`
	Path    string    `json:"path,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Disconnect is a graceful close, sent by either side.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// Error is a typed failure response. Fatal codes (protocol violation,
// lockout) are followed by connection close.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}
