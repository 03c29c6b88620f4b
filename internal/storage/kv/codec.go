package kv

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/objectfs/deskfs/pkg/types"
)

// Record layout: kind byte, codec byte, payload.
const (
	kindFile byte = 'f'
	kindDir  byte = 'd'

	codecRaw  byte = 0
	codecZstd byte = 1

	headerSize = 2
)

// Payloads smaller than this are stored raw.
const compressThreshold = 256

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("kv: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("kv: zstd decoder initialization failed: " + err.Error())
	}
}

type record struct {
	kind byte
	data []byte
}

func (r record) Kind() types.Kind {
	if r.kind == kindDir {
		return types.KindDirectory
	}
	return types.KindFile
}

func encodeDir() []byte {
	return []byte{kindDir, codecRaw}
}

// encodeFile builds a file record, compressing data when that saves
// space.
func encodeFile(data []byte, compress bool) []byte {
	if compress && len(data) >= compressThreshold {
		packed := zstdEncoder.EncodeAll(data, make([]byte, headerSize, headerSize+len(data)/2))
		if len(packed)-headerSize < len(data) {
			packed[0], packed[1] = kindFile, codecZstd
			return packed
		}
	}
	out := make([]byte, headerSize+len(data))
	out[0], out[1] = kindFile, codecRaw
	copy(out[headerSize:], data)
	return out
}

func decodeRecord(value []byte) (record, error) {
	if len(value) < headerSize {
		return record{}, fmt.Errorf("record too short: %d bytes", len(value))
	}
	r := record{kind: value[0]}
	if r.kind != kindFile && r.kind != kindDir {
		return record{}, fmt.Errorf("unknown record kind %q", r.kind)
	}

	payload := value[headerSize:]
	switch value[1] {
	case codecRaw:
		r.data = append([]byte(nil), payload...)
	case codecZstd:
		data, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return record{}, fmt.Errorf("zstd decompress: %w", err)
		}
		r.data = data
	default:
		return record{}, fmt.Errorf("unknown codec %d", value[1])
	}
	return r, nil
}
