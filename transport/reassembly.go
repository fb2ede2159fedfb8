// File: transport/reassembly.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fragment chains are keyed by correlation id. A chain is accepted only in
// index order; anything else drops it.

package transport

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-bridge/protocol"
)

type chain struct {
	typ     protocol.MessageType
	origin  protocol.Origin
	count   uint16
	next    uint16
	data    []byte
	started time.Time
}

type reassembler struct {
	maxMessage int
	perFrame   int
	chains     map[uint64]*chain
	dropped    atomic.Uint64
}

func newReassembler(maxMessage, perFrame int) *reassembler {
	return &reassembler{
		maxMessage: maxMessage,
		perFrame:   perFrame,
		chains:     make(map[uint64]*chain),
	}
}

func (r *reassembler) pending() int { return len(r.chains) }

// add feeds one fragment. It returns the completed envelope, if any, and a
// non-empty reason when a chain was dropped.
func (r *reassembler) add(f *protocol.Fragment, now time.Time) (*protocol.Envelope, string) {
	c, ok := r.chains[f.CorrelationID]
	reason := ""
	switch {
	case f.Index == 0:
		if ok {
			r.drop(f.CorrelationID)
			reason = "superseded"
		}
		if (int(f.Count)-1)*r.perFrame >= r.maxMessage {
			r.dropped.Add(1)
			return nil, "oversize"
		}
		c = &chain{
			typ:     f.Type,
			origin:  f.Origin,
			count:   f.Count,
			data:    make([]byte, 0, min(int(f.Count)*r.perFrame, r.maxMessage)),
			started: now,
		}
		r.chains[f.CorrelationID] = c
	case !ok:
		r.dropped.Add(1)
		return nil, "orphan"
	case f.Index != c.next || f.Count != c.count || f.Type != c.typ:
		r.drop(f.CorrelationID)
		return nil, "out_of_order"
	}

	if len(c.data)+len(f.Data) > r.maxMessage {
		r.drop(f.CorrelationID)
		return nil, "oversize"
	}
	c.data = append(c.data, f.Data...)
	c.next++
	if c.next < c.count {
		return nil, reason
	}
	delete(r.chains, f.CorrelationID)
	return &protocol.Envelope{
		Type:          c.typ,
		CorrelationID: f.CorrelationID,
		Origin:        c.origin,
		Payload:       c.data,
	}, reason
}

func (r *reassembler) drop(corr uint64) {
	delete(r.chains, corr)
	r.dropped.Add(1)
}

// expire drops chains started more than timeout before now.
func (r *reassembler) expire(now time.Time, timeout time.Duration) []uint64 {
	var out []uint64
	for corr, c := range r.chains {
		if now.Sub(c.started) > timeout {
			out = append(out, corr)
			r.drop(corr)
		}
	}
	return out
}
