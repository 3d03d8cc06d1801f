// Package audit emits structured security events. Emission is best-effort
// and non-blocking with respect to protocol processing: a slow or failing
// sink never stalls a handshake or a command. The default sink is an
// append-only JSONL file with SHA-256 hash chaining.
package audit

// EventType classifies a security-relevant occurrence.
type EventType string

const (
	EventConnectionOpened   EventType = "connection_opened"
	EventConnectionClosed   EventType = "connection_closed"
	EventAuthSuccess        EventType = "auth_success"
	EventAuthFailure        EventType = "auth_failure"
	EventAuthLockout        EventType = "auth_lockout"
	EventFolderBound        EventType = "folder_bound"
	EventSessionStarted     EventType = "session_started"
	EventSessionTerminated  EventType = "session_terminated"
	EventSessionTimeout     EventType = "session_timeout"
	EventCommandExecuted    EventType = "command_executed"
	EventCommandDenied      EventType = "command_denied"
	EventSpawnFailure       EventType = "spawn_failure"
	EventPathEscape         EventType = "path_escape"
	EventPermissionDenied   EventType = "permission_denied"
	EventRateLimited        EventType = "rate_limited"
	EventProtocolViolation  EventType = "protocol_violation"
	EventFileAccess         EventType = "file_access"
	EventSuspiciousActivity EventType = "suspicious_activity"
)

// Event is one line in the audit log. All fields are plain values (no
// map[string]any) so json.Marshal field order is deterministic and the hash
// chain is reproducible.
type Event struct {
	Timestamp  string    `json:"ts"`
	Type       EventType `json:"type"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	PrevHash   string    `json:"prev_hash"`
}
