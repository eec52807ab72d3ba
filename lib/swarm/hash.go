// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package swarm

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Piece hashes and swarm info-hashes
// are both this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps a piece hash from ever colliding with an
// info-hash for the same bytes. The key bytes are the ASCII domain
// name zero-padded to 32 bytes, which keeps them readable in hex
// dumps without weakening the keyed mode.
type domainKey [32]byte

var (
	pieceDomainKey = domainKey{
		's', 'w', 'a', 'r', 'm', 'p', 'u', 'l', 'l', '.', 'p', 'i', 'e', 'c', 'e',
	}

	swarmDomainKey = domainKey{
		's', 'w', 'a', 'r', 'm', 'p', 'u', 'l', 'l', '.', 's', 'w', 'a', 'r', 'm',
	}
)

// HashPiece computes the piece-domain hash of one piece's bytes. A
// piece is accepted by a receiver only when this hash matches the
// descriptor entry for its index.
func HashPiece(data []byte) Hash {
	return keyedHash(pieceDomainKey, data)
}

// hashSwarmBody computes the swarm-domain hash of an encoded
// descriptor body. This is the info-hash: the globally unique
// identity of a swarm.
func hashSwarmBody(encoded []byte) Hash {
	return keyedHash(swarmDomainKey, encoded)
}

// FormatHash returns the canonical lowercase hex form used in the
// tracker wire contract, logs, and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only fails on a wrong key length, which the fixed-size
	// domainKey type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("swarm: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
