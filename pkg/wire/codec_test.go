package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleEnvelope() Envelope {
	ts := time.Unix(1700000000, 0).UTC()
	return Envelope{
		Namespace: "mesh",
		Type:      "device:announce",
		Payload:   map[string]interface{}{"deviceId": "dev-a", "count": float64(3)},
		Timestamp: &ts,
	}
}

func TestRoundTripBothFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatBinary} {
		codec := NewCodec()
		env := sampleEnvelope()

		frame, err := codec.EncodeFormat(env, format)
		require.NoError(t, err)

		decoded, ok, err := codec.Decode(frame)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, len(frame), decoded.Consumed)
		require.Equal(t, env.Namespace, decoded.Envelope.Namespace)
		require.Equal(t, env.Type, decoded.Envelope.Type)
		require.Equal(t, env.Payload, decoded.Envelope.Payload)
		require.WithinDuration(t, *env.Timestamp, *decoded.Envelope.Timestamp, 0)
	}
}

func TestDecodeNeverConsumesMoreThanReturned(t *testing.T) {
	codec := NewCodec()
	frame, err := codec.Encode(sampleEnvelope())
	require.NoError(t, err)

	// Append a second, unrelated frame and a trailing partial frame.
	second, err := codec.Encode(Envelope{Namespace: "events", Type: "x"})
	require.NoError(t, err)

	buf := append(append([]byte{}, frame...), second...)
	buf = append(buf, []byte{0, 0, 0, 10, 0}...) // partial trailing frame

	frames, consumed, err := codec.DecodeStream(buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, len(frame)+len(second), consumed)
	require.Less(t, consumed, len(buf))

	remaining := buf[consumed:]
	require.Equal(t, []byte{0, 0, 0, 10, 0}, remaining)
}

func TestDecodeStreamOrderPreserved(t *testing.T) {
	codec := NewCodec()
	var buf []byte
	var want []string
	for _, typ := range []string{"a", "b", "c"} {
		frame, err := codec.Encode(Envelope{Namespace: "ns", Type: typ})
		require.NoError(t, err)
		buf = append(buf, frame...)
		want = append(want, typ)
	}

	frames, consumed, err := codec.DecodeStream(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.Len(t, frames, 3)
	for i, typ := range want {
		require.Equal(t, typ, frames[i].Envelope.Type)
	}
}

func TestMessageTooLargeBoundary(t *testing.T) {
	codec := NewCodec()

	// Build a minimal envelope, then pad its payload string so the
	// serialized body is exactly MaxPayloadSize bytes.
	probe, err := marshalEnvelope(Envelope{Namespace: "n", Type: "t", Payload: ""}, FormatJSON)
	require.NoError(t, err)
	padding := MaxPayloadSize - len(probe)
	require.Greater(t, padding, 0)

	filler := make([]byte, padding)
	for i := range filler {
		filler[i] = 'x'
	}
	padded := Envelope{Namespace: "n", Type: "t", Payload: string(filler)}
	body, err := marshalEnvelope(padded, FormatJSON)
	require.NoError(t, err)
	require.Equal(t, MaxPayloadSize, len(body))

	frame := make([]byte, headerLength+len(body))
	putLength(frame[:4], len(body))
	frame[4] = flagFormatLSB
	copy(frame[headerLength:], body)

	decoded, ok, err := codec.Decode(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "n", decoded.Envelope.Namespace)

	// MaxPayloadSize + 1 is rejected at the header check, before any
	// attempt to read a body.
	oversized := make([]byte, headerLength)
	putLength(oversized, MaxPayloadSize+1)
	_, _, err = codec.Decode(oversized)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func putLength(dst []byte, n int) {
	dst[0] = byte(n >> 24)
	dst[1] = byte(n >> 16)
	dst[2] = byte(n >> 8)
	dst[3] = byte(n)
}

func TestInvalidEnvelopeRejected(t *testing.T) {
	codec := NewCodec()
	frame, err := codec.Encode(Envelope{Namespace: "", Type: "x"})
	require.NoError(t, err)

	_, _, err = codec.Decode(frame)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestCompressedFrameRequiresCompressorOnSyncPath(t *testing.T) {
	codec := NewCodec()
	codec.Compressor = NewZstdCompressor()
	codec.CompressThreshold = 1 // always compress in this test

	env := sampleEnvelope()
	frame, err := codec.Encode(env)
	require.NoError(t, err)

	// Decoding with a codec that has no compressor must fail explicitly.
	bareCodec := NewCodec()
	_, _, err = bareCodec.Decode(frame)
	require.ErrorIs(t, err, ErrCompressedFrameRequiresAsyncPath)

	// Decoding with a compressor configured round-trips.
	decoded, ok, err := codec.Decode(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.Namespace, decoded.Envelope.Namespace)
}

func TestDecodeWaitsForMoreBytes(t *testing.T) {
	codec := NewCodec()
	frame, err := codec.Encode(sampleEnvelope())
	require.NoError(t, err)

	for n := 0; n < headerLength; n++ {
		_, ok, err := codec.Decode(frame[:n])
		require.NoError(t, err)
		require.False(t, ok)
	}

	_, ok, err := codec.Decode(frame[:len(frame)-1])
	require.NoError(t, err)
	require.False(t, ok)
}
