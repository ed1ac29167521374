package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"bboxkv/pkg/types"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression of data blocks. The codec of every block is stored in its
// trailing byte.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
	CompressionLZ4    Compression = "lz4"
)

const (
	blockNoCompression     byte = 0
	blockSnappyCompression byte = 1
	blockZstdCompression   byte = 2
	blockLZ4Compression    byte = 3
)

// EncodeAll and DecodeAll are safe for concurrent use, one instance each is
// shared by all writers and readers.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		dec, _ := zstd.NewReader(nil)
		return dec
	})
)

var errCorruptBlock = errors.New("corrupt block")

// appendRecord encodes one entry:
// kind | varint version | uvarint key len | key | box | uvarint value len | value
func appendRecord(b []byte, e types.Entry) []byte {
	b = append(b, byte(e.Kind))
	b = binary.AppendVarint(b, e.Version)
	b = binary.AppendUvarint(b, uint64(len(e.Key)))
	b = append(b, e.Key...)
	b = e.Box.AppendBinary(b)
	b = binary.AppendUvarint(b, uint64(len(e.Value)))
	return append(b, e.Value...)
}

// decodeRecord decodes one record and returns the bytes consumed. Key and
// value are copied out of b.
func decodeRecord(b []byte) (types.Entry, int, error) {
	var e types.Entry
	if len(b) < 1 {
		return e, 0, errCorruptBlock
	}
	e.Kind = types.Kind(b[0])
	if e.Kind != types.KindLive && e.Kind != types.KindTombstone {
		return e, 0, fmt.Errorf("%w: unknown kind %d", errCorruptBlock, b[0])
	}
	off := 1

	version, n := binary.Varint(b[off:])
	if n <= 0 {
		return e, 0, errCorruptBlock
	}
	e.Version = version
	off += n

	keyLen, n := binary.Uvarint(b[off:])
	if n <= 0 || uint64(len(b)-off-n) < keyLen {
		return e, 0, errCorruptBlock
	}
	off += n
	e.Key = string(b[off : off+int(keyLen)])
	off += int(keyLen)

	box, n, err := types.DecodeHyperrectangle(b[off:])
	if err != nil {
		return e, 0, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}
	e.Box = box
	off += n

	valueLen, n := binary.Uvarint(b[off:])
	if n <= 0 || uint64(len(b)-off-n) < valueLen {
		return e, 0, errCorruptBlock
	}
	off += n
	if valueLen > 0 {
		e.Value = append([]byte(nil), b[off:off+int(valueLen)]...)
	}
	off += int(valueLen)

	return e, off, nil
}

func decodeBlock(b []byte) ([]types.Entry, error) {
	var out []types.Entry
	for len(b) > 0 {
		e, n, err := decodeRecord(b)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		b = b[n:]
	}
	return out, nil
}

// sealBlock compresses raw when that saves at least a quarter and appends the
// codec byte.
func sealBlock(raw []byte, c Compression) []byte {
	var (
		compressed []byte
		codec      byte
	)
	switch c {
	case CompressionSnappy:
		compressed, codec = snappy.Encode(nil, raw), blockSnappyCompression
	case CompressionZstd:
		compressed, codec = zstdEncoder().EncodeAll(raw, nil), blockZstdCompression
	case CompressionLZ4:
		compressed, codec = compressLZ4(raw), blockLZ4Compression
	}
	if compressed != nil && len(compressed) < len(raw)-len(raw)/4 {
		return append(compressed, codec)
	}

	out := make([]byte, len(raw), len(raw)+1)
	copy(out, raw)
	return append(out, blockNoCompression)
}

// compressLZ4 prefixes the block with its raw length, which the lz4 block
// format does not carry. Nil means incompressible.
func compressLZ4(raw []byte) []byte {
	out := binary.AppendUvarint(nil, uint64(len(raw)))
	hdr := len(out)
	out = append(out, make([]byte, lz4.CompressBlockBound(len(raw)))...)

	var c lz4.Compressor
	n, err := c.CompressBlock(raw, out[hdr:])
	if err != nil || n == 0 {
		return nil
	}
	return out[:hdr+n]
}

func decompressLZ4(body []byte) ([]byte, error) {
	size, n := binary.Uvarint(body)
	if n <= 0 || size > 1<<30 {
		return nil, errors.New("bad lz4 length prefix")
	}
	out := make([]byte, size)
	m, err := lz4.UncompressBlock(body[n:], out)
	if err != nil {
		return nil, err
	}
	if uint64(m) != size {
		return nil, fmt.Errorf("lz4 block holds %d bytes, want %d", m, size)
	}
	return out, nil
}

// openBlock reverses sealBlock.
func openBlock(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, errCorruptBlock
	}
	body, codec := sealed[:len(sealed)-1], sealed[len(sealed)-1]

	var (
		out []byte
		err error
	)
	switch codec {
	case blockNoCompression:
		return body, nil
	case blockSnappyCompression:
		out, err = snappy.Decode(nil, body)
	case blockZstdCompression:
		out, err = zstdDecoder().DecodeAll(body, nil)
	case blockLZ4Compression:
		out, err = decompressLZ4(body)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", errCorruptBlock, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}
	return out, nil
}
