// File: protocol/envelope.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed per-slot frame layout (little-endian):
//
//	[type:2][correlation_id:8][origin:1][flags:1][payload_len:4][payload...]
//
// Fragment frames prefix their payload area with [index:2][count:2];
// payload_len counts only the fragment data that follows the prefix.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-bridge/api"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 16
	// FragmentPrefixSize is the per-fragment index/count prefix length.
	FragmentPrefixSize = 4
	// MaxFragments bounds a fragment chain.
	MaxFragments = 1<<16 - 1
	// DefaultMaxMessageSize bounds a reassembled payload.
	DefaultMaxMessageSize = 10 << 20
)

// Frame flags.
const (
	FlagFragment uint8 = 0x01 // frame belongs to a fragment chain
	FlagMore     uint8 = 0x02 // more fragments follow this one
)

// Envelope is the decoded form of one logical message.
type Envelope struct {
	Type          MessageType
	CorrelationID uint64
	Origin        Origin
	Flags         uint8
	Payload       []byte
}

// Header is the decoded fixed header of a single frame.
type Header struct {
	Type          MessageType
	CorrelationID uint64
	Origin        Origin
	Flags         uint8
	PayloadLen    uint32
}

// Fragment is a decoded fragment frame.
type Fragment struct {
	Header
	Index uint16
	Count uint16
	Data  []byte
}

// PutHeader writes h into dst, which must hold HeaderSize bytes.
func PutHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint64(dst[2:10], h.CorrelationID)
	dst[10] = byte(h.Origin)
	dst[11] = h.Flags
	binary.LittleEndian.PutUint32(dst[12:16], h.PayloadLen)
}

// ReadHeader parses the fixed header from frame.
func ReadHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, malformed("frame shorter than header", len(frame))
	}
	h := Header{
		Type:          MessageType(binary.LittleEndian.Uint16(frame[0:2])),
		CorrelationID: binary.LittleEndian.Uint64(frame[2:10]),
		Origin:        Origin(frame[10]),
		Flags:         frame[11],
		PayloadLen:    binary.LittleEndian.Uint32(frame[12:16]),
	}
	if h.Origin > OriginServer {
		return Header{}, malformed("bad origin", int(h.Origin))
	}
	return h, nil
}

// SingleFrameCapacity is the largest payload that fits one slot unfragmented.
func SingleFrameCapacity(slotSize int) int {
	return slotSize - HeaderSize
}

// FragmentCapacity is the data carried by each fragment frame of a chain.
func FragmentCapacity(slotSize int) int {
	return slotSize - HeaderSize - FragmentPrefixSize
}

// FrameCount returns how many slots env occupies for the given slot size.
func FrameCount(payloadLen, slotSize int) int {
	if payloadLen <= SingleFrameCapacity(slotSize) {
		return 1
	}
	per := FragmentCapacity(slotSize)
	return (payloadLen + per - 1) / per
}

// EncodeFrames splits env into slot-sized frames. The returned frames
// alias buf when it is large enough, otherwise fresh memory is used.
func EncodeFrames(env *Envelope, slotSize int, buf []byte) ([][]byte, error) {
	if slotSize <= HeaderSize+FragmentPrefixSize {
		return nil, api.NewError(api.KindInvalidArgument, "slot too small for a frame").
			WithContext("slot_size", slotSize)
	}
	n := FrameCount(len(env.Payload), slotSize)
	if n > MaxFragments {
		return nil, api.NewError(api.KindPayloadTooLarge, "payload needs too many fragments").
			WithContext("payload_len", len(env.Payload))
	}
	h := Header{
		Type:          env.Type,
		CorrelationID: env.CorrelationID,
		Origin:        env.Origin,
	}
	if n == 1 {
		frame := grow(buf, HeaderSize+len(env.Payload))
		h.Flags = env.Flags &^ (FlagFragment | FlagMore)
		h.PayloadLen = uint32(len(env.Payload))
		PutHeader(frame, h)
		copy(frame[HeaderSize:], env.Payload)
		return [][]byte{frame}, nil
	}

	per := FragmentCapacity(slotSize)
	total := n*(HeaderSize+FragmentPrefixSize) + len(env.Payload)
	backing := grow(buf, total)
	frames := make([][]byte, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		end := min(len(env.Payload), (i+1)*per)
		chunk := env.Payload[i*per : end]
		size := HeaderSize + FragmentPrefixSize + len(chunk)
		frame := backing[off : off+size : off+size]
		off += size

		h.Flags = FlagFragment
		if i < n-1 {
			h.Flags |= FlagMore
		}
		h.PayloadLen = uint32(len(chunk))
		PutHeader(frame, h)
		binary.LittleEndian.PutUint16(frame[HeaderSize:], uint16(i))
		binary.LittleEndian.PutUint16(frame[HeaderSize+2:], uint16(n))
		copy(frame[HeaderSize+FragmentPrefixSize:], chunk)
		frames = append(frames, frame)
	}
	return frames, nil
}

// DecodeFrame parses a single frame. A complete envelope is returned for
// unfragmented frames; fragment frames are returned as *Fragment.
// Returned slices alias frame.
func DecodeFrame(frame []byte) (*Envelope, *Fragment, error) {
	h, err := ReadHeader(frame)
	if err != nil {
		return nil, nil, err
	}
	if !h.Type.Valid() {
		return nil, nil, malformed("unknown discriminant", int(h.Type))
	}
	if h.Flags&FlagFragment == 0 {
		if int(h.PayloadLen) > len(frame)-HeaderSize {
			return nil, nil, malformed("payload_len exceeds frame", int(h.PayloadLen))
		}
		return &Envelope{
			Type:          h.Type,
			CorrelationID: h.CorrelationID,
			Origin:        h.Origin,
			Flags:         h.Flags,
			Payload:       frame[HeaderSize : HeaderSize+int(h.PayloadLen)],
		}, nil, nil
	}
	if len(frame) < HeaderSize+FragmentPrefixSize {
		return nil, nil, malformed("fragment shorter than prefix", len(frame))
	}
	f := &Fragment{
		Header: h,
		Index:  binary.LittleEndian.Uint16(frame[HeaderSize:]),
		Count:  binary.LittleEndian.Uint16(frame[HeaderSize+2:]),
	}
	start := HeaderSize + FragmentPrefixSize
	if int(h.PayloadLen) > len(frame)-start {
		return nil, nil, malformed("fragment payload_len exceeds frame", int(h.PayloadLen))
	}
	if f.Count < 2 || f.Index >= f.Count {
		return nil, nil, malformed("bad fragment index", int(f.Index))
	}
	if (f.Index == f.Count-1) == (h.Flags&FlagMore != 0) {
		return nil, nil, malformed("fragment more flag disagrees with index", int(f.Index))
	}
	f.Data = frame[start : start+int(h.PayloadLen)]
	return nil, f, nil
}

func grow(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]byte, n)
}

func malformed(what string, v int) error {
	return api.Wrap(api.KindProtocolViolation, "malformed frame", fmt.Errorf("%s (%d)", what, v))
}
