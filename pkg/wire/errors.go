package wire

import "errors"

var (
	// ErrMessageTooLarge is returned when a frame's declared payload
	// length exceeds MaxPayloadSize.
	ErrMessageTooLarge = errors.New("wire: message too large")

	// ErrInvalidEnvelope is returned when a decoded envelope fails the
	// non-empty namespace/type invariant.
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")

	// ErrCompressedFrameRequiresAsyncPath is returned by the synchronous
	// decode path when a frame's compressed bit is set but no Compressor
	// is configured on the Codec.
	ErrCompressedFrameRequiresAsyncPath = errors.New("wire: compressed frame requires async decode path")

	// ErrReservedFormat is returned when the frame's format bits select
	// one of the two reserved values.
	ErrReservedFormat = errors.New("wire: reserved format")

	// ErrTruncatedFrame is returned by the tagged binary decoder when the
	// buffer ends in the middle of a field.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
)
