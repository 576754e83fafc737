package persistence

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/fleetkit/agentfleet/internal/errs"
)

// zstdMagic are the four bytes zstd frames always start with. A persisted
// file is self-describing: if it starts with this magic it is compressed,
// otherwise it is treated as raw JSON.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoderPool *zstd.Encoder
	decoderPool *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("persistence: failed to build zstd encoder: %v", err))
	}
	encoderPool = enc

	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("persistence: failed to build zstd decoder: %v", err))
	}
	decoderPool = dec
}

// encodeBlob optionally zstd-compresses raw before it hits disk. The result
// is self-describing via the zstd magic bytes, so decodeBlob needs no
// out-of-band flag to know whether a given file was compressed.
func encodeBlob(raw []byte, compress bool) []byte {
	if !compress {
		return raw
	}
	return encoderPool.EncodeAll(raw, make([]byte, 0, len(raw)))
}

// decodeBlob reverses encodeBlob, detecting compression from the leading
// magic bytes rather than trusting a caller-supplied flag.
func decodeBlob(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := decoderPool.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode failed: %v", errs.ErrCorruptSnapshot, err)
	}
	return out, nil
}
