// Package transport implements the boundary over the P2P message bus (C5):
// outbound query sending with a per-worker serialized request queue, and a
// single-consumer inbound event demultiplexer. Wire bodies are compressed
// through a pluggable codec registry modeled on Kafka's per-record
// compression negotiation.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Codec identifies a wire-body compression scheme by its leading tag byte.
type Codec byte

const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
	CodecLZ4    Codec = 2
	CodecZstd   Codec = 3
)

// ParseCodec maps a config string onto a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", s)
	}
}

// Encode compresses payload with codec and frames it as
// [1-byte codec tag][varint uncompressed length][payload].
func Encode(codec Codec, payload []byte) ([]byte, error) {
	var compressed []byte
	var err error
	switch codec {
	case CodecNone:
		compressed = payload
	case CodecSnappy:
		compressed = snappy.Encode(nil, payload)
	case CodecLZ4:
		compressed, err = lz4Compress(payload)
	case CodecZstd:
		compressed, err = zstdCompress(payload)
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("compressing with codec %d: %w", codec, err)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	out := make([]byte, 0, 1+n+len(compressed))
	out = append(out, byte(codec))
	out = append(out, lenBuf[:n]...)
	out = append(out, compressed...)
	return out, nil
}

// Decode reads the leading codec tag and uncompressed-length varint from
// framed, then decompresses the remaining bytes.
func Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	codec := Codec(framed[0])
	rest := framed[1:]

	uncompressedLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("malformed frame: invalid length varint")
	}
	body := rest[n:]

	var out []byte
	var err error
	switch codec {
	case CodecNone:
		out = body
	case CodecSnappy:
		out, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
	case CodecLZ4:
		out, err = lz4Decompress(body)
	case CodecZstd:
		out, err = zstdDecompress(body)
	default:
		return nil, fmt.Errorf("unknown codec tag %d", codec)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != uncompressedLen {
		return nil, fmt.Errorf("decoded length %d does not match framed length %d", len(out), uncompressedLen)
	}
	return out, nil
}

func lz4Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(body []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(body))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out, nil
}

func zstdCompress(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

func zstdDecompress(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
