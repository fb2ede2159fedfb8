// File: protocol/message_type.go
// Package protocol defines the IPC wire envelope and message discriminants.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "fmt"

// MessageType is the 2-byte discriminant carried by every envelope.
// The high byte selects the family.
type MessageType uint16

// Lifecycle family.
const (
	TypeConnect        MessageType = 0x0001
	TypeDisconnect     MessageType = 0x0002
	TypeAck            MessageType = 0x0003
	TypeHealthProbe    MessageType = 0x0004
	TypeCancel         MessageType = 0x0005
	TypeConnectionLost MessageType = 0x0006
)

// Execution status family.
const (
	TypeStarted   MessageType = 0x0100
	TypeProgress  MessageType = 0x0101
	TypeCompleted MessageType = 0x0102
	TypeFailed    MessageType = 0x0103
	TypeTimedOut  MessageType = 0x0104
)

// Approval family.
const (
	TypeApprovalRequest  MessageType = 0x0200
	TypeApprovalResponse MessageType = 0x0201
)

// Request family, routed to registered handlers.
const (
	TypeToolExec    MessageType = 0x0300
	TypeCommandExec MessageType = 0x0301
	TypeDiffApply   MessageType = 0x0302
)

// Family groups discriminants by their high byte.
type Family uint8

const (
	FamilyLifecycle Family = 0x00
	FamilyStatus    Family = 0x01
	FamilyApproval  Family = 0x02
	FamilyRequest   Family = 0x03
)

// Family returns the discriminant family.
func (t MessageType) Family() Family { return Family(t >> 8) }

// IsTerminal reports whether t closes a streaming session.
func (t MessageType) IsTerminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeTimedOut
}

// IsRequest reports whether t is dispatched to a handler.
func (t MessageType) IsRequest() bool {
	return t.Family() == FamilyRequest
}

// Valid reports whether t is a known discriminant.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

var typeNames = map[MessageType]string{
	TypeConnect:          "connect",
	TypeDisconnect:       "disconnect",
	TypeAck:              "ack",
	TypeHealthProbe:      "health_probe",
	TypeCancel:           "cancel",
	TypeConnectionLost:   "connection_lost",
	TypeStarted:          "started",
	TypeProgress:         "progress",
	TypeCompleted:        "completed",
	TypeFailed:           "failed",
	TypeTimedOut:         "timed_out",
	TypeApprovalRequest:  "approval_request",
	TypeApprovalResponse: "approval_response",
	TypeToolExec:         "tool_exec",
	TypeCommandExec:      "command_exec",
	TypeDiffApply:        "diff_apply",
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(0x%04x)", uint16(t))
}

// ParseMessageType resolves a name as produced by String, used by config files.
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Origin identifies which side produced an envelope.
type Origin uint8

const (
	OriginClient Origin = 0
	OriginServer Origin = 1
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "client"
}
