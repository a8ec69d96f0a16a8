package wire

import (
	"encoding/binary"
	"encoding/json"
)

// Format is the two-bit tag identifying how an envelope's bytes were
// serialized. It is carried per-frame, so a single stream may freely mix
// formats.
type Format uint8

const (
	FormatBinary Format = 0b00
	FormatJSON   Format = 0b01
	formatRsv2   Format = 0b10
	formatRsv3   Format = 0b11
)

func (f Format) valid() bool {
	return f == FormatBinary || f == FormatJSON
}

// marshalEnvelope serializes an envelope body (everything but the frame
// header) in the given format.
func marshalEnvelope(env Envelope, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(env)
	case FormatBinary:
		return marshalBinaryTagged(env)
	default:
		return nil, ErrReservedFormat
	}
}

// unmarshalEnvelope is the inverse of marshalEnvelope.
func unmarshalEnvelope(data []byte, format Format) (Envelope, error) {
	switch format {
	case FormatJSON:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, err
		}
		return env, nil
	case FormatBinary:
		return unmarshalBinaryTagged(data)
	default:
		return Envelope{}, ErrReservedFormat
	}
}

// The binary-tagged format is a bespoke tagged encoding for an envelope
// whose payload is an arbitrary, not-pre-declared shape: namespace and
// type, each as a 4-byte big-endian length followed by its bytes; a
// payload tag byte (0 = absent, 1 = present), followed when present by
// the payload's own JSON-encoded bytes, length-prefixed the same way
// (JSON is reused here only as the payload's internal shape carrier, not
// as the frame format); then a timestamp tag byte, followed when present
// by an 8-byte big-endian unix-nano value.
func marshalBinaryTagged(env Envelope) ([]byte, error) {
	buf := make([]byte, 0, 64+len(env.Type)+len(env.Namespace))
	buf = appendLenPrefixed(buf, []byte(env.Namespace))
	buf = appendLenPrefixed(buf, []byte(env.Type))

	if env.Payload == nil {
		buf = append(buf, 0)
	} else {
		payloadBytes, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, err
		}
		buf = append(buf, 1)
		buf = appendLenPrefixed(buf, payloadBytes)
	}

	if env.Timestamp == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp.UnixNano()))
		buf = append(buf, ts[:]...)
	}

	return buf, nil
}

func unmarshalBinaryTagged(data []byte) (Envelope, error) {
	var env Envelope

	namespace, rest, err := readLenPrefixed(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Namespace = string(namespace)

	typ, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Envelope{}, err
	}
	env.Type = string(typ)

	if len(rest) < 1 {
		return Envelope{}, ErrTruncatedFrame
	}
	hasPayload := rest[0] == 1
	rest = rest[1:]
	if hasPayload {
		var payloadBytes []byte
		payloadBytes, rest, err = readLenPrefixed(rest)
		if err != nil {
			return Envelope{}, err
		}
		var payload interface{}
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			return Envelope{}, err
		}
		env.Payload = payload
	}

	if len(rest) < 1 {
		return Envelope{}, ErrTruncatedFrame
	}
	hasTimestamp := rest[0] == 1
	rest = rest[1:]
	if hasTimestamp {
		if len(rest) < 8 {
			return Envelope{}, ErrTruncatedFrame
		}
		nanos := binary.BigEndian.Uint64(rest[:8])
		t := unixNano(int64(nanos))
		env.Timestamp = &t
	}

	return env, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf = append(buf, length[:]...)
	return append(buf, data...)
}

func readLenPrefixed(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncatedFrame
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, ErrTruncatedFrame
	}
	return data[:n], data[n:], nil
}
