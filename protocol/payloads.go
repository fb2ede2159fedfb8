// File: protocol/payloads.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kind-specific payload bodies, msgpack encoded.

package protocol

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/momentics/hioload-bridge/api"
)

// Version is the envelope protocol version carried by Connect and Ack.
const Version uint32 = 1

// ExecKind tags which collaborator produced an execution status payload.
type ExecKind string

const (
	KindTool    ExecKind = "tool"
	KindCommand ExecKind = "command"
	KindDiff    ExecKind = "diff"
)

// StreamTag tags command output lines.
type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
)

// ErrorCode mirrors the tool error codes understood by the front-end.
type ErrorCode int

const (
	CodeNotFound         ErrorCode = 1000
	CodeInvalidArguments ErrorCode = 2000
	CodePermissionDenied ErrorCode = 3000
	CodeApprovalRequired ErrorCode = 4000
	CodeExecutionFailed  ErrorCode = 5000
	CodeTimeout          ErrorCode = 5001
	CodeIO               ErrorCode = 5002
	CodeCancelled        ErrorCode = 5003
	CodeBusy             ErrorCode = 5004
	CodeHandlerPanic     ErrorCode = 5005
	CodeUnknown          ErrorCode = 9000
)

// Recoverable reports whether a retry by the collaborator could succeed.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeNotFound, CodePermissionDenied, CodeHandlerPanic:
		return false
	default:
		return true
	}
}

// Connect opens a connection. Path fields are set only by shm dialers.
type Connect struct {
	ClientID     string `msgpack:"client_id"`
	PID          int    `msgpack:"pid"`
	PPID         int    `msgpack:"ppid"`
	Version      uint32 `msgpack:"version"`
	RequestPath  string `msgpack:"request_path,omitempty"`
	ResponsePath string `msgpack:"response_path,omitempty"`
}

// Ack answers Connect and HealthProbe.
type Ack struct {
	ClientID string `msgpack:"client_id"`
	PID      int    `msgpack:"pid"`
	PPID     int    `msgpack:"ppid"`
	Version  uint32 `msgpack:"version"`
}

// Started opens an execution status stream.
type Started struct {
	Kind      ExecKind `msgpack:"kind"`
	Name      string   `msgpack:"name,omitempty"`
	Command   string   `msgpack:"command,omitempty"`
	Args      []string `msgpack:"args,omitempty"`
	Timestamp int64    `msgpack:"timestamp"`
}

// Progress carries one best-effort update.
type Progress struct {
	Kind       ExecKind  `msgpack:"kind"`
	Stream     StreamTag `msgpack:"stream,omitempty"`
	Line       string    `msgpack:"line,omitempty"`
	Percentage *uint8    `msgpack:"percentage,omitempty"`
	Message    string    `msgpack:"message,omitempty"`
	DiffStatus string    `msgpack:"diff_status,omitempty"`
}

// Completed is the successful terminal message.
type Completed struct {
	Result     []byte `msgpack:"result,omitempty"`
	ExitCode   int    `msgpack:"exit_code"`
	DurationMs int64  `msgpack:"duration_ms"`
}

// Failed is the error terminal message.
type Failed struct {
	Code        ErrorCode `msgpack:"code"`
	Error       string    `msgpack:"error"`
	DurationMs  int64     `msgpack:"duration_ms"`
	Recoverable bool      `msgpack:"recoverable"`
}

// TimedOut is synthesized when a session exceeds its deadline.
type TimedOut struct {
	TimeoutMs int64 `msgpack:"timeout_ms"`
}

// ApprovalRequest asks the front-end to approve an operation.
type ApprovalRequest struct {
	Operation string            `msgpack:"operation"`
	Target    string            `msgpack:"target"`
	Details   map[string]string `msgpack:"details,omitempty"`
	Risk      string            `msgpack:"risk,omitempty"`
	TimeoutMs int64             `msgpack:"timeout_ms,omitempty"`
}

// ApprovalResponse is the front-end's decision.
type ApprovalResponse struct {
	Approved bool   `msgpack:"approved"`
	Reason   string `msgpack:"reason,omitempty"`
}

// ToolExecRequest asks the backend to run a named tool.
type ToolExecRequest struct {
	Tool   string         `msgpack:"tool"`
	Params map[string]any `msgpack:"params,omitempty"`
}

// CommandExecRequest asks the backend to run an external command.
type CommandExecRequest struct {
	Command string   `msgpack:"command"`
	Args    []string `msgpack:"args,omitempty"`
	Cwd     string   `msgpack:"cwd,omitempty"`
}

// DiffApplyRequest asks the backend to apply a diff to a file.
type DiffApplyRequest struct {
	Path string `msgpack:"path"`
	Diff string `msgpack:"diff"`
}

// ConnectionLost is synthesized locally once reconnection gives up.
type ConnectionLost struct {
	Reason   string `msgpack:"reason"`
	Attempts int    `msgpack:"attempts"`
}

// Marshal encodes a payload body.
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidArgument, "encode payload", err)
	}
	return b, nil
}

// Unmarshal decodes a payload body.
func Unmarshal(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return api.Wrap(api.KindProtocolViolation, "decode payload", err)
	}
	return nil
}

// NewEnvelope builds an envelope with an encoded body. A nil body yields
// an empty payload.
func NewEnvelope(t MessageType, corr uint64, origin Origin, body any) (*Envelope, error) {
	env := &Envelope{Type: t, CorrelationID: corr, Origin: origin}
	if body == nil {
		return env, nil
	}
	p, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	env.Payload = p
	return env, nil
}
