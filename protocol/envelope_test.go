package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bridge/api"
)

func TestEncodeSingleFrame(t *testing.T) {
	env := &Envelope{Type: TypeStarted, CorrelationID: 9, Origin: OriginServer, Payload: []byte("abc")}
	frames, err := EncodeFrames(env, 64, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], HeaderSize+3)

	got, frag, err := DecodeFrame(frames[0])
	require.NoError(t, err)
	assert.Nil(t, frag)
	assert.Equal(t, TypeStarted, got.Type)
	assert.EqualValues(t, 9, got.CorrelationID)
	assert.Equal(t, OriginServer, got.Origin)
	assert.Equal(t, []byte("abc"), got.Payload)
}

func TestEncodeFragmentChain(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := EncodeFrames(&Envelope{Type: TypeProgress, CorrelationID: 3, Payload: payload}, 64, nil)
	require.NoError(t, err)
	require.Len(t, frames, FrameCount(100, 64))
	require.Len(t, frames, 3)

	var joined []byte
	for i, f := range frames {
		env, frag, err := DecodeFrame(f)
		require.NoError(t, err)
		require.Nil(t, env)
		require.NotNil(t, frag)
		assert.EqualValues(t, i, frag.Index)
		assert.EqualValues(t, 3, frag.Count)
		assert.Equal(t, i < 2, frag.Flags&FlagMore != 0)
		assert.LessOrEqual(t, len(f), 64)
		joined = append(joined, frag.Data...)
	}
	assert.Equal(t, payload, joined)
}

func TestEncodeReusesBuffer(t *testing.T) {
	buf := make([]byte, 256)
	frames, err := EncodeFrames(&Envelope{Type: TypeAck, Payload: []byte{1}}, 64, buf)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &frames[0][0])
}

func TestEncodeRejectsTinySlot(t *testing.T) {
	_, err := EncodeFrames(&Envelope{Type: TypeAck}, HeaderSize+FragmentPrefixSize, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	valid := func(h Header, extra int) []byte {
		f := make([]byte, HeaderSize+extra)
		PutHeader(f, h)
		return f
	}
	fragment := func(index, count uint16, flags uint8) []byte {
		f := valid(Header{Type: TypeProgress, Flags: flags, PayloadLen: 1}, FragmentPrefixSize+1)
		f[HeaderSize] = byte(index)
		f[HeaderSize+2] = byte(count)
		return f
	}

	cases := map[string][]byte{
		"short":              make([]byte, HeaderSize-1),
		"bad origin":         valid(Header{Type: TypeAck, Origin: 2}, 0),
		"unknown type":       valid(Header{Type: 0x0999}, 0),
		"length overflow":    valid(Header{Type: TypeAck, PayloadLen: 10}, 4),
		"single fragment":    fragment(0, 1, FlagFragment),
		"index past count":   fragment(2, 2, FlagFragment),
		"more on last":       fragment(1, 2, FlagFragment|FlagMore),
		"missing more":       fragment(0, 2, FlagFragment),
		"fragment too short": valid(Header{Type: TypeProgress, Flags: FlagFragment}, 2),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeFrame(frame)
			require.Error(t, err)
			assert.Equal(t, api.KindProtocolViolation, api.KindOf(err))
		})
	}
}

func TestMessageTypeClassification(t *testing.T) {
	assert.True(t, TypeCompleted.IsTerminal())
	assert.True(t, TypeFailed.IsTerminal())
	assert.True(t, TypeTimedOut.IsTerminal())
	assert.False(t, TypeProgress.IsTerminal())

	assert.True(t, TypeDiffApply.IsRequest())
	assert.False(t, TypeApprovalResponse.IsRequest())
	assert.Equal(t, FamilyApproval, TypeApprovalRequest.Family())

	assert.False(t, MessageType(0x0999).Valid())
	assert.Equal(t, "type(0x0999)", MessageType(0x0999).String())
}

func TestParseMessageType(t *testing.T) {
	for typ := range typeNames {
		got, err := ParseMessageType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseMessageType("nope")
	assert.Error(t, err)
}

func TestNewEnvelopeEncodesBody(t *testing.T) {
	env, err := NewEnvelope(TypeCommandExec, 5, OriginClient, CommandExecRequest{Command: "ls", Args: []string{"-l"}})
	require.NoError(t, err)
	var body CommandExecRequest
	require.NoError(t, Unmarshal(env.Payload, &body))
	assert.Equal(t, "ls", body.Command)
	assert.Equal(t, []string{"-l"}, body.Args)

	empty, err := NewEnvelope(TypeHealthProbe, 0, OriginClient, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)
}

func TestUnmarshalGarbageIsProtocolViolation(t *testing.T) {
	var body Completed
	err := Unmarshal([]byte{0xc1}, &body)
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestErrorCodeRecoverable(t *testing.T) {
	assert.False(t, CodeNotFound.Recoverable())
	assert.False(t, CodePermissionDenied.Recoverable())
	assert.True(t, CodeTimeout.Recoverable())
	assert.True(t, CodeBusy.Recoverable())
}
