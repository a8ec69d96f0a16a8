package wire

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses and decompresses frame payloads. Encode calls it
// when the serialized size exceeds the Codec's configured threshold;
// Decode calls it whenever a frame's compressed bit is set.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// zstdCompressor is the default Compressor, backed by klauspost/compress,
// the compression library already present in the wider pack's dependency
// graph (malbeclabs-doublezero).
type zstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor returns a Compressor pooling zstd encoders/decoders so
// Encode/Decode stay allocation-light on repeated calls.
func NewZstdCompressor() Compressor {
	c := &zstdCompressor{}
	c.encoderPool.New = func() interface{} {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		return enc
	}
	c.decoderPool.New = func() interface{} {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	}
	return c
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return io.ReadAll(dec)
}
