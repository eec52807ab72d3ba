// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the capability interface the transfer core
// consumes from a peer-swarm engine.
//
// The core never talks to a swarm directly: it creates an engine
// session, starts a download or serve against it, polls progress, and
// closes the session. Anything satisfying these interfaces can back
// the hybrid path — the built-in libp2p engine in lib/engine/mesh,
// or the scriptable fake in lib/engine/enginetest.
//
// Ownership: one Session belongs to exactly one transfer session or
// seed task at a time. The owner must Close it; Close cancels any
// transfer still running and releases the engine's network resources.
package engine

import (
	"context"

	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Progress is a point-in-time snapshot of a swarm download.
// BytesDone counts only piece-verified bytes — unverified data is
// indistinguishable from absent data to the caller.
type Progress struct {
	BytesDone      int64
	BytesTotal     int64
	PeersConnected int
}

// ServeStats is a point-in-time snapshot of a seeding task.
type ServeStats struct {
	BytesUploaded int64
	PiecesServed  int64
}

// Engine creates sessions. Implementations are safe for concurrent
// use; sessions are not shared.
type Engine interface {
	// NewSession allocates the network resources for one download or
	// serve. The session outlives ctx — ctx only bounds the setup.
	NewSession(ctx context.Context) (Session, error)
}

// Session is one exclusively-owned engine handle.
type Session interface {
	// Download starts retrieving the descriptor's content from the
	// swarm, contacting the given peer hints, writing into workDir.
	// The returned Transfer is live immediately; ctx bounds only the
	// start, not the transfer (cancel via Transfer.Cancel or Close).
	Download(ctx context.Context, descriptor *swarm.Descriptor, peerHints []string, workDir string) (Transfer, error)

	// Serve makes the verified file at sourcePath available to the
	// swarm under the descriptor's info-hash.
	Serve(ctx context.Context, descriptor *swarm.Descriptor, sourcePath string) (Serve, error)

	// Close cancels any running transfer or serve and releases the
	// session. Idempotent.
	Close() error
}

// Transfer is one in-flight swarm download.
type Transfer interface {
	// Progress returns the current snapshot.
	Progress() Progress

	// VerifiedComplete reports whether every piece has been received
	// and hash-verified.
	VerifiedComplete() bool

	// Path returns the location of the downloaded file within the
	// work directory. Only meaningful once VerifiedComplete is true.
	Path() string

	// Cancel abandons the download and discards partial output.
	// Idempotent, safe to call concurrently with Progress.
	Cancel()
}

// Serve is one active seeding task.
type Serve interface {
	Stats() ServeStats
	Close() error
}
