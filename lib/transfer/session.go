// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/swarmpull/swarmpull/lib/engine"
	"github.com/swarmpull/swarmpull/lib/fsutil"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Session is one in-flight hybrid transfer. It moves through
// querying → {swarm race, origin only} → delivered | failed, and is
// owned by the coordinator entry for its fingerprint until terminal.
type Session struct {
	fingerprint swarm.Fingerprint
	originURL   string
	destination string
	deadline    time.Duration

	// done is closed after result/err are set and the coordinator
	// entry is released.
	done   chan struct{}
	result *Result
	err    error

	// waiters counts callers that joined this session beyond the one
	// that started it.
	waiters atomic.Int32
}

// run executes the session and signals every waiter.
func (s *Session) run(o *Orchestrator) {
	s.result, s.err = s.execute(o)
	o.coordinator.release(s.fingerprint)
	close(s.done)
}

func (s *Session) execute(o *Orchestrator) (*Result, error) {
	logger := o.logger.With("fingerprint", s.fingerprint.Key())

	tempPath, err := fsutil.Probe(s.destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestination, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The deadline covers the whole session, starting before the
	// tracker query.
	deadlineCh := o.clock.After(s.deadline)

	record, found, err := o.tracker.Query(ctx, s.fingerprint)
	if err != nil {
		fsutil.Discard(tempPath)
		return nil, err
	}

	var descriptor *swarm.Descriptor
	var peerHints []string
	if found {
		descriptor, err = record.Descriptor()
		if err != nil {
			logger.Warn("swarm record unusable, proceeding origin-only", "error", err)
			found = false
		} else {
			peerHints = record.Peers
		}
	}

	var wasP2P bool
	if found {
		wasP2P, err = s.runRace(ctx, o, logger, descriptor, peerHints, tempPath, deadlineCh)
	} else {
		wasP2P, err = s.runOriginOnly(ctx, o, logger, tempPath, deadlineCh)
	}
	if err != nil {
		fsutil.Discard(tempPath)
		return nil, err
	}

	// Origin win with no pre-existing record: build and publish a
	// descriptor so the next requester finds a swarm. Best-effort —
	// the user's bytes are already delivered.
	if !found {
		descriptor, err = swarm.Build(s.destination)
		if err != nil {
			logger.Warn("descriptor build failed, skipping publish", "error", err)
			descriptor = nil
		} else if publishErr := o.tracker.Publish(ctx, s.fingerprint, descriptor, o.peerAddrs); publishErr != nil {
			logger.Warn("publish failed",
				"error", fmt.Errorf("%w: %v", ErrPublishFailed, publishErr))
		}
	}

	if o.seeder != nil && descriptor != nil {
		if seedErr := o.seeder.StartSeeding(ctx, descriptor, s.destination, o.seedDuration); seedErr != nil {
			logger.Warn("seeding delivered artifact failed", "error", seedErr)
		}
	}

	logger.Info("artifact delivered",
		"path", s.destination,
		"p2p", wasP2P,
		"size", deliveredSize(s.destination))
	return &Result{Path: s.destination, WasP2P: wasP2P}, nil
}

// runOriginOnly fetches from the origin alone, bounded by the session
// deadline.
func (s *Session) runOriginOnly(ctx context.Context, o *Orchestrator, logger *slog.Logger, tempPath string, deadlineCh <-chan time.Time) (bool, error) {
	originCtx, cancelOrigin := context.WithCancel(ctx)
	defer cancelOrigin()

	originDone := make(chan error, 1)
	go func() {
		originDone <- o.fetcher.Fetch(originCtx, s.originURL, tempPath, nil)
	}()

	select {
	case err := <-originDone:
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrOriginFailed, err)
		}
		if err := fsutil.Commit(tempPath, s.destination); err != nil {
			return false, fmt.Errorf("%w: %v", ErrDestination, err)
		}
		return false, nil

	case <-deadlineCh:
		cancelOrigin()
		<-originDone
		return false, fmt.Errorf("%w after %s", ErrDeadlineExceeded, s.deadline)
	}
}

// runRace races the swarm transfer against the origin fetch. The
// swarm side is monitored for stalls and abandoned early when its
// throughput stays below the floor for the grace window; the origin
// then finishes alone within the same deadline.
func (s *Session) runRace(ctx context.Context, o *Orchestrator, logger *slog.Logger, descriptor *swarm.Descriptor, peerHints []string, tempPath string, deadlineCh <-chan time.Time) (bool, error) {
	workDir, err := os.MkdirTemp(o.workRoot, "swarmpull-race-")
	if err != nil {
		logger.Warn("no work directory for swarm transfer, proceeding origin-only", "error", err)
		return s.runOriginOnly(ctx, o, logger, tempPath, deadlineCh)
	}
	defer os.RemoveAll(workDir)

	engineSession, err := o.engine.NewSession(ctx)
	if err != nil {
		logger.Warn("engine session failed, proceeding origin-only", "error", err)
		return s.runOriginOnly(ctx, o, logger, tempPath, deadlineCh)
	}
	defer engineSession.Close()

	swarmTransfer, err := engineSession.Download(ctx, descriptor, peerHints, workDir)
	if err != nil {
		logger.Warn("swarm download failed to start, proceeding origin-only", "error", err)
		return s.runOriginOnly(ctx, o, logger, tempPath, deadlineCh)
	}

	originCtx, cancelOrigin := context.WithCancel(ctx)
	defer cancelOrigin()

	originDone := make(chan error, 1)
	go func() {
		originDone <- o.fetcher.Fetch(originCtx, s.originURL, tempPath, nil)
	}()

	ticker := o.clock.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	swarmAlive := true
	originFinished := false
	var originErr error
	lastBytes := int64(0)
	lastProgress := o.clock.Now()

	for {
		select {
		case err := <-originDone:
			originFinished = true
			if err == nil {
				// Origin reached the finish line first.
				if swarmAlive {
					swarmTransfer.Cancel()
				}
				if err := fsutil.Commit(tempPath, s.destination); err != nil {
					return false, fmt.Errorf("%w: %v", ErrDestination, err)
				}
				return false, nil
			}
			originErr = err
			if !swarmAlive {
				return false, fmt.Errorf("%w: %v", ErrOriginFailed, originErr)
			}
			logger.Warn("origin path failed mid-race, swarm continues", "error", err)

		case <-ticker.C:
			if !swarmAlive {
				continue
			}
			if swarmTransfer.VerifiedComplete() {
				cancelOrigin()
				if !originFinished {
					<-originDone
				}
				if err := s.deliverSwarm(swarmTransfer, descriptor, tempPath); err != nil {
					return false, err
				}
				return true, nil
			}

			progress := swarmTransfer.Progress()
			now := o.clock.Now()
			if progress.BytesDone > lastBytes {
				elapsed := now.Sub(lastProgress).Seconds()
				rate := float64(progress.BytesDone - lastBytes)
				if elapsed > 0 {
					rate /= elapsed
				}
				if o.stallFloor == 0 || rate >= float64(o.stallFloor) {
					lastBytes = progress.BytesDone
					lastProgress = now
				}
			}
			if now.Sub(lastProgress) >= o.stallGrace {
				logger.Warn("abandoning swarm path",
					"error", ErrSwarmStalled,
					"verified", humanize.IBytes(uint64(progress.BytesDone)),
					"total", humanize.IBytes(uint64(progress.BytesTotal)),
					"peers", progress.PeersConnected,
					"stalled_for", now.Sub(lastProgress))
				swarmTransfer.Cancel()
				engineSession.Close()
				swarmAlive = false
				ticker.Stop()
				if originFinished {
					// Origin already failed; nothing left to wait for.
					return false, fmt.Errorf("%w: %v", ErrOriginFailed, originErr)
				}
			}

		case <-deadlineCh:
			cancelOrigin()
			if swarmAlive {
				swarmTransfer.Cancel()
			}
			if !originFinished {
				<-originDone
			}
			return false, fmt.Errorf("%w after %s", ErrDeadlineExceeded, s.deadline)
		}
	}
}

// deliverSwarm moves the engine's verified output into place. Every
// piece is re-verified against the descriptor after the copy; a
// mismatch fails the delivery rather than trusting stale bytes.
func (s *Session) deliverSwarm(swarmTransfer engine.Transfer, descriptor *swarm.Descriptor, tempPath string) error {
	if err := fsutil.LinkOrCopy(swarmTransfer.Path(), tempPath); err != nil {
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	if err := verifyFile(tempPath, descriptor); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}
	if err := fsutil.Commit(tempPath, s.destination); err != nil {
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	return nil
}

// verifyFile checks every piece of the file against the descriptor.
func verifyFile(path string, descriptor *swarm.Descriptor) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() != descriptor.Length {
		return fmt.Errorf("file is %d bytes, descriptor says %d", stat.Size(), descriptor.Length)
	}

	buffer := make([]byte, descriptor.PieceLength)
	for index := 0; index < descriptor.NumPieces(); index++ {
		piece := buffer[:descriptor.PieceSize(index)]
		if _, err := file.ReadAt(piece, descriptor.PieceOffset(index)); err != nil {
			return fmt.Errorf("reading piece %d: %w", index, err)
		}
		if !descriptor.VerifyPiece(index, piece) {
			return fmt.Errorf("piece %d hash mismatch", index)
		}
	}
	return nil
}

func deliveredSize(path string) string {
	stat, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	return humanize.IBytes(uint64(stat.Size()))
}
