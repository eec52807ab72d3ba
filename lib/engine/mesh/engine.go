// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh is the built-in swarm engine: a libp2p host exchanging
// verified pieces over the /swarmpull/piece/1.0.0 protocol.
//
// One Engine owns one libp2p host and a registry of served swarms.
// Sessions share the host but own their downloads and serves
// exclusively. Pieces are verified against the descriptor as they
// arrive; a piece that fails verification is discarded and
// re-requested, so Progress never counts unverified bytes.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/swarmpull/swarmpull/lib/engine"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Config holds configuration for creating an Engine.
type Config struct {
	// ListenAddrs are the multiaddrs the host listens on. Empty means
	// an ephemeral TCP port on all interfaces.
	ListenAddrs []string

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Engine is a libp2p-backed swarm engine.
type Engine struct {
	host   host.Host
	logger *slog.Logger

	mu      sync.Mutex
	sources map[swarm.Hash]*pieceSource
	closed  bool
}

// New creates the engine and starts its libp2p host.
func New(config Config) (*Engine, error) {
	listenAddrs := config.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("mesh: starting libp2p host: %w", err)
	}

	e := &Engine{
		host:    h,
		logger:  logger,
		sources: make(map[swarm.Hash]*pieceSource),
	}
	h.SetStreamHandler(ProtocolID, e.handleStream)
	logger.Info("mesh engine listening", "peer_id", h.ID().String(), "addrs", listenAddrs)
	return e, nil
}

// Addrs returns the host's full multiaddrs (including the /p2p peer
// component), suitable as peer hints when publishing to the tracker.
func (e *Engine) Addrs() []string {
	info := peer.AddrInfo{ID: e.host.ID(), Addrs: e.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	result := make([]string, len(addrs))
	for i, addr := range addrs {
		result[i] = addr.String()
	}
	return result
}

// Close shuts down the host. Any open sessions become unusable.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.host.Close()
}

// NewSession implements engine.Engine.
func (e *Engine) NewSession(ctx context.Context) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("mesh: engine is closed")
	}
	return &session{engine: e}, nil
}

// handleStream answers piece requests from one remote peer.
func (e *Engine) handleStream(s network.Stream) {
	defer s.Close()
	err := servePieces(s, e)
	if err != nil && !errors.Is(err, io.EOF) {
		e.logger.Debug("piece stream ended", "peer", s.Conn().RemotePeer().String(), "error", err)
	}
}

// piece implements pieceProvider against the serve registry.
func (e *Engine) piece(infoHash swarm.Hash, index int) ([]byte, compressionTag, bool) {
	e.mu.Lock()
	source := e.sources[infoHash]
	e.mu.Unlock()
	if source == nil {
		return nil, compressionNone, false
	}
	return source.read(index)
}

// session is one exclusively-owned handle on the shared host.
type session struct {
	engine *Engine

	mu       sync.Mutex
	closed   bool
	transfer *transfer
	serve    *serveTask
}

func (s *session) Download(ctx context.Context, descriptor *swarm.Descriptor, peerHints []string, workDir string) (engine.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("mesh: download on closed session")
	}
	if s.transfer != nil {
		return nil, fmt.Errorf("mesh: session already has a download")
	}
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(workDir, descriptor.Name+".swarm")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mesh: creating transfer file: %w", err)
	}
	if err := file.Truncate(descriptor.Length); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mesh: preallocating transfer file: %w", err)
	}

	transferCtx, cancel := context.WithCancel(context.Background())
	t := &transfer{
		engine:     s.engine,
		descriptor: descriptor,
		path:       path,
		file:       file,
		ctx:        transferCtx,
		cancel:     cancel,
		done:       make([]bool, descriptor.NumPieces()),
		claimed:    make([]bool, descriptor.NumPieces()),
	}
	s.transfer = t

	go t.run(peerHints)
	return t, nil
}

func (s *session) Serve(ctx context.Context, descriptor *swarm.Descriptor, sourcePath string) (engine.Serve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("mesh: serve on closed session")
	}
	if s.serve != nil {
		return nil, fmt.Errorf("mesh: session already has a serve")
	}
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("mesh: opening seed source: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mesh: statting seed source: %w", err)
	}
	if stat.Size() != descriptor.Length {
		file.Close()
		return nil, fmt.Errorf("mesh: seed source is %d bytes, descriptor says %d",
			stat.Size(), descriptor.Length)
	}

	infoHash := descriptor.InfoHash()
	source := &pieceSource{
		descriptor: descriptor,
		file:       file,
		preferred:  selectTag(descriptor.Name),
	}

	s.engine.mu.Lock()
	if _, exists := s.engine.sources[infoHash]; exists {
		s.engine.mu.Unlock()
		file.Close()
		return nil, fmt.Errorf("mesh: already serving %s", swarm.FormatHash(infoHash))
	}
	s.engine.sources[infoHash] = source
	s.engine.mu.Unlock()

	s.engine.logger.Info("seeding swarm",
		"info_hash", swarm.FormatHash(infoHash), "path", sourcePath)

	task := &serveTask{engine: s.engine, infoHash: infoHash, source: source}
	s.serve = task
	return task, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.transfer != nil {
		s.transfer.Cancel()
	}
	if s.serve != nil {
		s.serve.Close()
	}
	return nil
}

// maxPieceAttempts bounds how often one piece is re-requested after
// corrupt or failed deliveries before the transfer gives up on it for
// this worker pass. The piece stays claimable, so a stalled swarm
// simply stops progressing and the caller's stall detection fires.
const maxPieceAttempts = 5

// downloadWorkers bounds concurrent peer streams per transfer.
const downloadWorkers = 4

type transfer struct {
	engine     *Engine
	descriptor *swarm.Descriptor
	path       string
	file       *os.File

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	done      []bool
	claimed   []bool
	bytesDone int64
	peers     int
	complete  bool
	cancelled bool
}

// run connects to the hinted peers and pulls pieces until complete or
// cancelled.
func (t *transfer) run(peerHints []string) {
	peerIDs := t.connectHints(peerHints)
	if len(peerIDs) == 0 {
		t.engine.logger.Warn("no reachable peers for swarm",
			"info_hash", swarm.FormatHash(t.descriptor.InfoHash()))
		return
	}

	workers := downloadWorkers
	if len(peerIDs) < workers {
		workers = len(peerIDs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(peerID peer.ID) {
			defer wg.Done()
			t.runWorker(peerID)
		}(peerIDs[i%len(peerIDs)])
	}
	wg.Wait()
}

// connectHints dials each multiaddr hint with bounded retries and
// returns the peers that accepted a connection.
func (t *transfer) connectHints(peerHints []string) []peer.ID {
	var connected []peer.ID
	for _, hint := range peerHints {
		addr, err := multiaddr.NewMultiaddr(hint)
		if err != nil {
			t.engine.logger.Warn("ignoring malformed peer hint", "hint", hint, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.engine.logger.Warn("ignoring peer hint without peer ID", "hint", hint, "error", err)
			continue
		}
		t.engine.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)

		for attempt := 0; attempt < 3; attempt++ {
			dialCtx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
			err = t.engine.host.Connect(dialCtx, *info)
			cancel()
			if err == nil {
				connected = append(connected, info.ID)
				break
			}
			if t.ctx.Err() != nil {
				return connected
			}
		}
		if err != nil {
			t.engine.logger.Warn("peer hint unreachable", "peer", info.ID.String(), "error", err)
		}
	}

	t.mu.Lock()
	t.peers = len(connected)
	t.mu.Unlock()
	return connected
}

// runWorker opens one stream to the peer and fetches pieces until the
// transfer completes, the context is cancelled, or the peer stops
// being useful.
func (t *transfer) runWorker(peerID peer.ID) {
	stream, err := t.engine.host.NewStream(t.ctx, peerID, ProtocolID)
	if err != nil {
		t.engine.logger.Warn("opening piece stream failed", "peer", peerID.String(), "error", err)
		return
	}
	defer stream.Close()

	failures := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		index, ok := t.claimPiece()
		if !ok {
			return
		}

		piece, err := fetchPiece(stream, t.descriptor, index)
		if err != nil {
			t.unclaimPiece(index)
			failures++
			t.engine.logger.Debug("piece fetch failed",
				"peer", peerID.String(), "piece", index, "error", err)
			if failures >= maxPieceAttempts {
				return
			}
			continue
		}

		offset := t.descriptor.PieceOffset(index)
		if _, err := t.file.WriteAt(piece, offset); err != nil {
			t.unclaimPiece(index)
			t.engine.logger.Warn("writing verified piece failed", "piece", index, "error", err)
			return
		}
		t.markDone(index, int64(len(piece)))
	}
}

// claimPiece hands out an unclaimed piece index.
func (t *transfer) claimPiece() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.claimed {
		if !t.claimed[i] && !t.done[i] {
			t.claimed[i] = true
			return i, true
		}
	}
	return 0, false
}

func (t *transfer) unclaimPiece(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed[index] = false
}

func (t *transfer) markDone(index int, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done[index] {
		return
	}
	t.done[index] = true
	t.bytesDone += size

	for _, done := range t.done {
		if !done {
			return
		}
	}
	t.complete = true
	t.file.Sync()
}

func (t *transfer) Progress() engine.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return engine.Progress{
		BytesDone:      t.bytesDone,
		BytesTotal:     t.descriptor.Length,
		PeersConnected: t.peers,
	}
}

func (t *transfer) VerifiedComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete
}

func (t *transfer) Path() string { return t.path }

func (t *transfer) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	complete := t.complete
	t.mu.Unlock()

	t.cancel()
	t.file.Close()
	if !complete {
		os.Remove(t.path)
	}
}

// pieceSource reads served pieces from a verified local file.
type pieceSource struct {
	descriptor *swarm.Descriptor
	file       *os.File
	preferred  compressionTag

	mu            sync.Mutex
	bytesUploaded int64
	piecesServed  int64
}

func (s *pieceSource) read(index int) ([]byte, compressionTag, bool) {
	if index < 0 || index >= s.descriptor.NumPieces() {
		return nil, compressionNone, false
	}
	piece := make([]byte, s.descriptor.PieceSize(index))
	if _, err := s.file.ReadAt(piece, s.descriptor.PieceOffset(index)); err != nil {
		return nil, compressionNone, false
	}

	s.mu.Lock()
	s.bytesUploaded += int64(len(piece))
	s.piecesServed++
	s.mu.Unlock()
	return piece, s.preferred, true
}

func (s *pieceSource) stats() engine.ServeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.ServeStats{BytesUploaded: s.bytesUploaded, PiecesServed: s.piecesServed}
}

// serveTask is one active seed registration.
type serveTask struct {
	engine   *Engine
	infoHash swarm.Hash
	source   *pieceSource

	mu     sync.Mutex
	closed bool
}

func (task *serveTask) Stats() engine.ServeStats {
	return task.source.stats()
}

func (task *serveTask) Close() error {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.closed {
		return nil
	}
	task.closed = true

	task.engine.mu.Lock()
	delete(task.engine.sources, task.infoHash)
	task.engine.mu.Unlock()

	return task.source.file.Close()
}
