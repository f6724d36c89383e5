package bolt

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Every stored value starts with a one-byte tag naming its encoding.
// These values are part of the on-disk format.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bolt: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bolt: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeValue prefixes value with its tag. Compression is kept only when
// it actually saves space.
func encodeValue(value []byte, compress bool) []byte {
	if compress && len(value) > 0 {
		out := zstdEncoder.EncodeAll(value, []byte{tagZstd})
		if len(out) < len(value)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(value)+1)
	out = append(out, tagRaw)
	return append(out, value...)
}

func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	switch stored[0] {
	case tagRaw:
		return stored[1:], nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if out == nil {
			out = []byte{}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value encoding tag %d", stored[0])
	}
}
