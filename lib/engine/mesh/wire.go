// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/swarmpull/swarmpull/lib/codec"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// ProtocolID identifies the piece-exchange protocol on libp2p streams.
const ProtocolID = "/swarmpull/piece/1.0.0"

// maxFrameSize bounds a single CBOR header frame. Headers are tiny;
// anything larger is a broken or hostile peer.
const maxFrameSize = 4096

// pieceRequest asks a peer for one piece of one swarm.
type pieceRequest struct {
	InfoHash []byte `cbor:"info_hash"`
	Index    int    `cbor:"index"`
}

// pieceResponse precedes the piece payload on the stream. When
// NotFound is set the peer does not serve that swarm (or piece) and
// no payload follows.
type pieceResponse struct {
	Index       int   `cbor:"index"`
	PayloadSize int   `cbor:"payload_size"`
	Compression uint8 `cbor:"compression"`
	NotFound    bool  `cbor:"not_found,omitempty"`
}

// writeFrame writes a length-prefixed deterministic-CBOR message.
func writeFrame(w io.Writer, message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("mesh: encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("mesh: frame of %d bytes exceeds limit", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("mesh: writing frame: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("mesh: writing frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed CBOR message into out.
func readFrame(r io.Reader, out any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("mesh: reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return fmt.Errorf("mesh: frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("mesh: reading frame body: %w", err)
	}
	if err := codec.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mesh: decoding frame: %w", err)
	}
	return nil
}

// fetchPiece requests one piece over the stream and returns its
// verified bytes. A piece whose hash does not match the descriptor is
// an error — the caller re-requests from another peer.
func fetchPiece(rw io.ReadWriter, descriptor *swarm.Descriptor, index int) ([]byte, error) {
	infoHash := descriptor.InfoHash()
	if err := writeFrame(rw, pieceRequest{InfoHash: infoHash[:], Index: index}); err != nil {
		return nil, err
	}

	var response pieceResponse
	if err := readFrame(rw, &response); err != nil {
		return nil, err
	}
	if response.NotFound {
		return nil, fmt.Errorf("mesh: peer does not have piece %d", index)
	}
	if response.Index != index {
		return nil, fmt.Errorf("mesh: peer answered piece %d, asked for %d", response.Index, index)
	}

	pieceSize := int(descriptor.PieceSize(index))
	// The payload is never larger than the piece plus LZ4 worst-case
	// overhead; cap against peers that announce absurd sizes.
	if response.PayloadSize < 0 || response.PayloadSize > pieceSize+pieceSize/255+64 {
		return nil, fmt.Errorf("mesh: peer announced %d payload bytes for a %d byte piece",
			response.PayloadSize, pieceSize)
	}

	payload := make([]byte, response.PayloadSize)
	if _, err := io.ReadFull(rw, payload); err != nil {
		return nil, fmt.Errorf("mesh: reading piece payload: %w", err)
	}

	piece, err := decompressPiece(payload, compressionTag(response.Compression), pieceSize)
	if err != nil {
		return nil, err
	}
	if !descriptor.VerifyPiece(index, piece) {
		return nil, fmt.Errorf("mesh: piece %d failed hash verification", index)
	}
	return piece, nil
}

// pieceProvider hands out piece bytes for served swarms. Implemented
// by the engine's serve registry; narrowed to an interface so the
// stream handler tests over net.Pipe without a libp2p host.
type pieceProvider interface {
	// piece returns the bytes of one piece, or ok=false when the
	// info-hash is not served or the index is out of range.
	piece(infoHash swarm.Hash, index int) (data []byte, tag compressionTag, ok bool)
}

// servePieces answers piece requests on one stream until the peer
// closes it or a request fails to parse.
func servePieces(rw io.ReadWriter, provider pieceProvider) error {
	for {
		var request pieceRequest
		if err := readFrame(rw, &request); err != nil {
			// EOF is the normal end of a request stream.
			return err
		}
		if len(request.InfoHash) != len(swarm.Hash{}) {
			return fmt.Errorf("mesh: request info-hash is %d bytes", len(request.InfoHash))
		}
		var infoHash swarm.Hash
		copy(infoHash[:], request.InfoHash)

		piece, preferred, ok := provider.piece(infoHash, request.Index)
		if !ok {
			if err := writeFrame(rw, pieceResponse{Index: request.Index, NotFound: true}); err != nil {
				return err
			}
			continue
		}

		payload, tag := compressPiece(piece, preferred)
		response := pieceResponse{
			Index:       request.Index,
			PayloadSize: len(payload),
			Compression: uint8(tag),
		}
		if err := writeFrame(rw, response); err != nil {
			return err
		}
		if _, err := rw.Write(payload); err != nil {
			return fmt.Errorf("mesh: writing piece payload: %w", err)
		}
	}
}
