// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package swarm defines the identity and piece-manifest model for
// peer-swarm artifact transfer: fingerprints (which logical file is
// wanted), descriptors (how a swarm's bytes are partitioned and
// verified), and the descriptor builder.
package swarm

import (
	"fmt"

	"github.com/swarmpull/swarmpull/lib/codec"
)

// Piece length tiers. A descriptor's piece length is a pure function
// of file size; both sides of a transfer must agree on it, so these
// are protocol constants.
const (
	pieceLength256K = 256 * 1024
	pieceLength1M   = 1024 * 1024
	pieceLength4M   = 4 * 1024 * 1024
	pieceLength16M  = 16 * 1024 * 1024

	tierMedium = 100 * 1024 * 1024
	tierLarge  = 1024 * 1024 * 1024
	tierHuge   = 10 * 1024 * 1024 * 1024
)

// PieceLengthFor returns the piece length for a file of the given
// size: <100MB → 256KB, <1GB → 1MB, <10GB → 4MB, otherwise 16MB.
func PieceLengthFor(size int64) int64 {
	switch {
	case size < tierMedium:
		return pieceLength256K
	case size < tierLarge:
		return pieceLength1M
	case size < tierHuge:
		return pieceLength4M
	default:
		return pieceLength16M
	}
}

// Fingerprint identifies one file at one revision of one collection.
// It is derivable entirely from what the caller already knows — no
// network access — and serves as both the request-dedup key and the
// tracker lookup key.
type Fingerprint struct {
	// RepoID is the collection identity (e.g. "meta-llama/Llama-3-8B").
	RepoID string

	// Revision pins the collection version (commit hash or branch).
	Revision string

	// Kind distinguishes collection namespaces sharing an ID space
	// (e.g. "model", "dataset").
	Kind string

	// Name is the file's path within the collection.
	Name string
}

// Validate reports whether the fingerprint carries every field the
// tracker contract needs to disambiguate one file.
func (f Fingerprint) Validate() error {
	if f.RepoID == "" {
		return fmt.Errorf("fingerprint: empty repo ID")
	}
	if f.Revision == "" {
		return fmt.Errorf("fingerprint: empty revision")
	}
	if f.Name == "" {
		return fmt.Errorf("fingerprint: empty file name")
	}
	return nil
}

// Key returns the stable string form used as a map key and in logs.
func (f Fingerprint) Key() string {
	kind := f.Kind
	if kind == "" {
		kind = "model"
	}
	return f.RepoID + "@" + f.Revision + "/" + kind + "/" + f.Name
}

// Descriptor is the piece-partitioning and content-hash manifest of
// one swarm. Immutable once built.
type Descriptor struct {
	// Name is the destination file name within the swarm.
	Name string

	// Length is the total byte length of the file.
	Length int64

	// PieceLength is the byte length of every piece except possibly
	// the last.
	PieceLength int64

	// Pieces holds the piece-domain hash of each piece in order.
	Pieces []Hash
}

// descriptorBody is the deterministic-CBOR encoding input for the
// info-hash. Piece hashes are concatenated into one byte string so
// the encoding is compact and unambiguous.
type descriptorBody struct {
	Name        string `cbor:"name"`
	Length      int64  `cbor:"length"`
	PieceLength int64  `cbor:"piece_length"`
	Pieces      []byte `cbor:"pieces"`
}

// InfoHash returns the swarm's globally unique identity: the
// swarm-domain hash of the deterministically encoded descriptor.
// Any change to name, length, piece length, or any piece hash yields
// a different info-hash.
func (d *Descriptor) InfoHash() Hash {
	concatenated := make([]byte, 0, len(d.Pieces)*32)
	for _, piece := range d.Pieces {
		concatenated = append(concatenated, piece[:]...)
	}
	encoded, err := codec.Marshal(descriptorBody{
		Name:        d.Name,
		Length:      d.Length,
		PieceLength: d.PieceLength,
		Pieces:      concatenated,
	})
	if err != nil {
		// Marshal of a flat struct with no cycles cannot fail.
		panic("swarm: descriptor encoding failed: " + err.Error())
	}
	return hashSwarmBody(encoded)
}

// NumPieces returns the number of pieces in the descriptor.
func (d *Descriptor) NumPieces() int {
	return len(d.Pieces)
}

// PieceSize returns the byte length of piece i: PieceLength for all
// but the last piece, which is Length mod PieceLength when that is
// nonzero.
func (d *Descriptor) PieceSize(i int) int64 {
	if i < len(d.Pieces)-1 {
		return d.PieceLength
	}
	if d.Length == 0 {
		return 0
	}
	if remainder := d.Length % d.PieceLength; remainder != 0 {
		return remainder
	}
	return d.PieceLength
}

// PieceOffset returns the byte offset of piece i within the file.
func (d *Descriptor) PieceOffset(i int) int64 {
	return int64(i) * d.PieceLength
}

// VerifyPiece reports whether data matches the recorded hash for
// piece i. Length is checked first: a piece of the wrong size can
// never verify.
func (d *Descriptor) VerifyPiece(i int, data []byte) bool {
	if i < 0 || i >= len(d.Pieces) {
		return false
	}
	if int64(len(data)) != d.PieceSize(i) {
		return false
	}
	return HashPiece(data) == d.Pieces[i]
}

// Validate checks the structural invariants: positive piece length,
// piece count consistent with length, nonzero length implies at
// least one piece.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: empty name")
	}
	if d.Length < 0 {
		return fmt.Errorf("descriptor: negative length %d", d.Length)
	}
	if d.PieceLength <= 0 {
		return fmt.Errorf("descriptor: non-positive piece length %d", d.PieceLength)
	}
	want := int((d.Length + d.PieceLength - 1) / d.PieceLength)
	if want == 0 {
		// Zero-length files still carry one (empty) piece so that
		// delivery and verification have something to check.
		want = 1
	}
	if len(d.Pieces) != want {
		return fmt.Errorf("descriptor: %d pieces for length %d with piece length %d, want %d",
			len(d.Pieces), d.Length, d.PieceLength, want)
	}
	return nil
}
