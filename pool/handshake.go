// File: pool/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"context"
	"os"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/protocol"
)

// Poller yields envelopes without blocking.
type Poller interface {
	Poll() (*protocol.Envelope, bool, error)
}

// AwaitAck polls recv until an Ack carrying corr arrives or ctx ends.
// Other envelopes are handed to stray, which may be nil.
func AwaitAck(ctx context.Context, recv Poller, corr uint64, stray func(*protocol.Envelope)) (*protocol.Envelope, error) {
	var idle concurrency.Backoff
	for {
		env, ok, err := recv.Poll()
		if err != nil {
			return nil, err
		}
		if !ok {
			if ctx.Err() != nil {
				return nil, api.Wrap(api.KindConnectionLost, "ack not received", ctx.Err()).
					WithContext("correlation_id", corr)
			}
			idle.Idle()
			continue
		}
		idle.Reset()
		if env.Type == protocol.TypeAck && env.CorrelationID == corr {
			return env, nil
		}
		if stray != nil {
			stray(env)
		}
	}
}

// Hello builds the Connect body announced by this process.
func Hello(clientID string) protocol.Connect {
	return protocol.Connect{
		ClientID: clientID,
		PID:      os.Getpid(),
		PPID:     os.Getppid(),
		Version:  protocol.Version,
	}
}

// Handshake sends hello on c's request ring and waits for the server's Ack.
// A version mismatch is reported but not negotiated.
func Handshake(ctx context.Context, c *Connection, hello protocol.Connect) (protocol.Ack, error) {
	corr := c.NextCorrelationID()
	env, err := protocol.NewEnvelope(protocol.TypeConnect, corr, protocol.OriginClient, hello)
	if err != nil {
		return protocol.Ack{}, err
	}
	end := c.ClientEnd()
	if err := end.Send(env); err != nil {
		return protocol.Ack{}, err
	}
	reply, err := AwaitAck(ctx, end, corr, nil)
	if err != nil {
		return protocol.Ack{}, err
	}
	return DecodeAck(reply)
}

// DecodeAck reads an Ack body; an empty payload yields the zero Ack.
func DecodeAck(env *protocol.Envelope) (protocol.Ack, error) {
	var ack protocol.Ack
	if len(env.Payload) == 0 {
		return ack, nil
	}
	if err := protocol.Unmarshal(env.Payload, &ack); err != nil {
		return ack, err
	}
	if ack.Version != 0 && ack.Version != protocol.Version {
		return ack, api.NewError(api.KindProtocolViolation, "protocol version mismatch").
			WithContext("local", protocol.Version).
			WithContext("remote", ack.Version)
	}
	return ack, nil
}
