// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package swarm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Build computes the descriptor for the file at path: piece length
// from the size tier table, then the piece-domain hash of every
// piece, streaming so multi-gigabyte weight files never sit in
// memory.
//
// Build runs only after a confirmed successful transfer, so an
// unreadable file is a caller bug and surfaces as a fatal error.
func Build(path string) (*Descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact for descriptor build: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return BuildFromReader(file, filepath.Base(path), info.Size())
}

// BuildFromReader computes a descriptor over exactly length bytes of
// r with the given name. The piece length is chosen from the size
// tier table. Returns an error if r yields fewer than length bytes.
func BuildFromReader(r io.Reader, name string, length int64) (*Descriptor, error) {
	if length < 0 {
		return nil, fmt.Errorf("negative artifact length %d", length)
	}

	descriptor := &Descriptor{
		Name:        name,
		Length:      length,
		PieceLength: PieceLengthFor(length),
	}

	if length == 0 {
		descriptor.Pieces = []Hash{HashPiece(nil)}
		return descriptor, nil
	}

	buffer := make([]byte, descriptor.PieceLength)
	remaining := length
	for remaining > 0 {
		pieceSize := descriptor.PieceLength
		if remaining < pieceSize {
			pieceSize = remaining
		}
		if _, err := io.ReadFull(r, buffer[:pieceSize]); err != nil {
			return nil, fmt.Errorf("reading piece %d: %w", len(descriptor.Pieces), err)
		}
		descriptor.Pieces = append(descriptor.Pieces, HashPiece(buffer[:pieceSize]))
		remaining -= pieceSize
	}

	return descriptor, nil
}
