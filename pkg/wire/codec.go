package wire

import (
	"encoding/binary"
)

const (
	headerLength = 5 // 4-byte length + 1-byte flags

	flagCompressed = 1 << 0
	flagFormatLSB  = 1 << 1
	flagFormatMSB  = 1 << 2
)

// Codec encodes and decodes frames: a 4-byte big-endian payload length, a
// 1-byte flags byte, then the payload bytes.
type Codec struct {
	// DefaultFormat is used by Encode when the caller doesn't pick one.
	DefaultFormat Format

	// Compressor, when non-nil, is used by Encode once the serialized
	// envelope exceeds CompressThreshold bytes, and by Decode whenever a
	// frame's compressed bit is set.
	Compressor Compressor

	// CompressThreshold is the serialized-size cutoff above which Encode
	// compresses. Zero value behaves as "never" per spec default.
	CompressThreshold int
}

// NewCodec returns a Codec with JSON as the default format and
// compression disabled, matching spec defaults.
func NewCodec() *Codec {
	return &Codec{
		DefaultFormat:     FormatJSON,
		CompressThreshold: 0,
	}
}

const neverCompress = 0

// shouldCompress reports whether Encode should compress a serialized
// envelope of the given size. CompressThreshold == 0 means "never",
// matching the spec's stated default.
func (c *Codec) shouldCompress(size int) bool {
	if c.Compressor == nil || c.CompressThreshold <= neverCompress {
		return false
	}
	return size > c.CompressThreshold
}

// Encode serializes env in the Codec's DefaultFormat and writes a
// complete frame (header + payload).
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	return c.EncodeFormat(env, c.DefaultFormat)
}

// EncodeFormat is like Encode but picks the format explicitly.
func (c *Codec) EncodeFormat(env Envelope, format Format) ([]byte, error) {
	body, err := marshalEnvelope(env, format)
	if err != nil {
		return nil, err
	}

	var flags byte
	switch format {
	case FormatJSON:
		flags |= flagFormatLSB
	case FormatBinary:
		// bits already zero
	default:
		return nil, ErrReservedFormat
	}

	if c.shouldCompress(len(body)) {
		compressed, err := c.Compressor.Compress(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		flags |= flagCompressed
	}

	if len(body) > MaxPayloadSize {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, headerLength+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = flags
	copy(frame[headerLength:], body)
	return frame, nil
}

// DecodedFrame is one frame's decode result plus how many bytes of the
// input buffer it consumed.
type DecodedFrame struct {
	Envelope Envelope
	Consumed int
}

// Decode attempts to decode a single frame from the front of buf. It
// returns ok=false (with a nil error) when buf doesn't yet hold a
// complete frame, so callers can keep buffering. Decoding never consumes
// more bytes than DecodedFrame.Consumed reports.
func (c *Codec) Decode(buf []byte) (frame DecodedFrame, ok bool, err error) {
	if len(buf) < headerLength {
		return DecodedFrame{}, false, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	flags := buf[4]

	if flags&^(flagCompressed|flagFormatLSB|flagFormatMSB) != 0 {
		return DecodedFrame{}, false, ErrInvalidEnvelope
	}

	if length > MaxPayloadSize {
		return DecodedFrame{}, false, ErrMessageTooLarge
	}

	total := headerLength + int(length)
	if len(buf) < total {
		return DecodedFrame{}, false, nil
	}

	body := buf[headerLength:total]

	if flags&flagCompressed != 0 {
		if c.Compressor == nil {
			return DecodedFrame{}, false, ErrCompressedFrameRequiresAsyncPath
		}
		decompressed, err := c.Compressor.Decompress(body)
		if err != nil {
			return DecodedFrame{}, false, err
		}
		body = decompressed
	}

	format := formatFromFlags(flags)
	if !format.valid() {
		return DecodedFrame{}, false, ErrReservedFormat
	}

	env, err := unmarshalEnvelope(body, format)
	if err != nil {
		return DecodedFrame{}, false, err
	}
	if !env.Valid() {
		return DecodedFrame{}, false, ErrInvalidEnvelope
	}

	return DecodedFrame{Envelope: env, Consumed: total}, true, nil
}

// DecodeStream decodes every complete frame at the front of buf,
// returning them in wire order, how many bytes were consumed in total,
// and any decode error (which aborts after the frames decoded so far).
// Bytes belonging to a trailing partial frame are left for the caller to
// keep buffering; Consumed never exceeds len(buf).
func (c *Codec) DecodeStream(buf []byte) (frames []DecodedFrame, consumed int, err error) {
	for {
		frame, ok, decodeErr := c.Decode(buf[consumed:])
		if decodeErr != nil {
			return frames, consumed, decodeErr
		}
		if !ok {
			return frames, consumed, nil
		}
		frames = append(frames, frame)
		consumed += frame.Consumed
	}
}

func formatFromFlags(flags byte) Format {
	var f Format
	if flags&flagFormatLSB != 0 {
		f |= 0b01
	}
	if flags&flagFormatMSB != 0 {
		f |= 0b10
	}
	return f
}
