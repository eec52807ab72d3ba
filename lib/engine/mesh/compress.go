// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the algorithm a piece payload was
// compressed with. Tags travel in response headers (1 byte) — the
// values are protocol constants.
type compressionTag uint8

const (
	// compressionNone carries the piece bytes unchanged. Used when
	// the content is incompressible (most tensor formats are).
	compressionNone compressionTag = 0

	// compressionLZ4 is LZ4 block compression. Fast default for
	// binary pieces.
	compressionLZ4 compressionTag = 1

	// compressionZstd is zstd at the default level. Better ratios on
	// text-like pieces (JSON configs, tokenizer files).
	compressionZstd compressionTag = 2
)

func (tag compressionTag) String() string {
	switch tag {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstd encoder/decoder are reused across pieces; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mesh: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mesh: zstd decoder initialization failed: " + err.Error())
	}
}

// selectTag picks the compression to attempt for a file by name.
// Text-like artifact files (configs, tokenizers) compress well under
// zstd; everything else gets the cheaper LZ4 probe.
func selectTag(name string) compressionTag {
	switch {
	case strings.HasSuffix(name, ".json"),
		strings.HasSuffix(name, ".txt"),
		strings.HasSuffix(name, ".md"),
		strings.HasSuffix(name, ".yaml"),
		strings.HasSuffix(name, ".model"):
		return compressionZstd
	default:
		return compressionLZ4
	}
}

// compressPiece compresses a piece for the wire with the preferred
// tag, falling back to sending the piece uncompressed when compression
// does not shrink it. The returned tag describes the payload.
func compressPiece(piece []byte, preferred compressionTag) ([]byte, compressionTag) {
	if len(piece) == 0 {
		return piece, compressionNone
	}

	switch preferred {
	case compressionZstd:
		compressed := zstdEncoder.EncodeAll(piece, nil)
		if len(compressed) < len(piece) {
			return compressed, compressionZstd
		}
		return piece, compressionNone

	case compressionLZ4:
		bound := lz4.CompressBlockBound(len(piece))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(piece, destination, nil)
		// CompressBlock reports incompressible data as written == 0.
		if err != nil || written == 0 || written >= len(piece) {
			return piece, compressionNone
		}
		return destination[:written], compressionLZ4

	default:
		return piece, compressionNone
	}
}

// decompressPiece reverses compressPiece for any supported tag. The
// uncompressed size must match pieceSize exactly.
func decompressPiece(payload []byte, tag compressionTag, pieceSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(payload) != pieceSize {
			return nil, fmt.Errorf("mesh: uncompressed piece is %d bytes, expected %d", len(payload), pieceSize)
		}
		return payload, nil

	case compressionLZ4:
		destination := make([]byte, pieceSize)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("mesh: lz4 decompress: %w", err)
		}
		if read != pieceSize {
			return nil, fmt.Errorf("mesh: lz4 decompress produced %d bytes, expected %d", read, pieceSize)
		}
		return destination, nil

	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, pieceSize))
		if err != nil {
			return nil, fmt.Errorf("mesh: zstd decompress: %w", err)
		}
		if len(result) != pieceSize {
			return nil, fmt.Errorf("mesh: zstd decompress produced %d bytes, expected %d", len(result), pieceSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("mesh: unsupported compression tag %d", tag)
	}
}
