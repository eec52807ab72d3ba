// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package enginetest provides a scriptable in-memory engine for
// testing the transfer core without a network. Tests drive each
// FakeTransfer by hand: set progress snapshots, complete it with
// verified bytes, or leave it stalled forever.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/swarmpull/swarmpull/lib/engine"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Engine is a fake swarm engine. The zero value is not usable; create
// with New.
type Engine struct {
	mu           sync.Mutex
	content      map[swarm.Hash][]byte
	openSessions int
	activeServes int

	// Transfers receives every FakeTransfer as Download creates it,
	// so tests can reach transfers started deep inside the core.
	// Buffered; a test that never reads it loses nothing else.
	Transfers chan *FakeTransfer

	// Serves receives every FakeServe as Serve creates it.
	Serves chan *FakeServe
}

// New creates a fake engine.
func New() *Engine {
	return &Engine{
		content:   make(map[swarm.Hash][]byte),
		Transfers: make(chan *FakeTransfer, 16),
		Serves:    make(chan *FakeServe, 16),
	}
}

// SeedContent registers the bytes the fake swarm holds for a
// descriptor, used when a test completes a transfer.
func (e *Engine) SeedContent(descriptor *swarm.Descriptor, content []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content[descriptor.InfoHash()] = content
}

// OpenSessions returns the number of sessions created and not yet
// closed. Leak assertions hinge on this reaching zero.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openSessions
}

// ActiveServes returns the number of serves started and not yet
// closed.
func (e *Engine) ActiveServes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeServes
}

// NewSession implements engine.Engine.
func (e *Engine) NewSession(ctx context.Context) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openSessions++
	return &fakeSession{engine: e}, nil
}

type fakeSession struct {
	engine *Engine

	mu       sync.Mutex
	closed   bool
	transfer *FakeTransfer
	serve    *FakeServe
}

func (s *fakeSession) Download(ctx context.Context, descriptor *swarm.Descriptor, peerHints []string, workDir string) (engine.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("enginetest: download on closed session")
	}

	transfer := &FakeTransfer{
		engine:     s.engine,
		descriptor: descriptor,
		path:       filepath.Join(workDir, descriptor.Name+".swarm"),
		progress:   engine.Progress{BytesTotal: descriptor.Length},
	}
	s.transfer = transfer

	select {
	case s.engine.Transfers <- transfer:
	default:
	}
	return transfer, nil
}

func (s *fakeSession) Serve(ctx context.Context, descriptor *swarm.Descriptor, sourcePath string) (engine.Serve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("enginetest: serve on closed session")
	}

	s.engine.mu.Lock()
	s.engine.activeServes++
	s.engine.mu.Unlock()

	serve := &FakeServe{engine: s.engine, Descriptor: descriptor, SourcePath: sourcePath}
	s.serve = serve
	select {
	case s.engine.Serves <- serve:
	default:
	}
	return serve, nil
}

func (s *fakeSession) Close() error {
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
	s.engine.mu.Lock()
	s.engine.openSessions--
	s.engine.mu.Unlock()
	return nil
}

// FakeTransfer is a hand-driven swarm download.
type FakeTransfer struct {
	engine     *Engine
	descriptor *swarm.Descriptor
	path       string

	mu        sync.Mutex
	progress  engine.Progress
	complete  bool
	cancelled bool
}

// SetProgress sets the snapshot returned by Progress. Used to
// simulate advancing or stalled swarms.
func (t *FakeTransfer) SetProgress(bytesDone int64, peers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.BytesDone = bytesDone
	t.progress.PeersConnected = peers
}

// CompleteVerified writes the seeded content for the transfer's
// descriptor to the work path and marks the transfer verified.
func (t *FakeTransfer) CompleteVerified() error {
	t.engine.mu.Lock()
	content, ok := t.engine.content[t.descriptor.InfoHash()]
	t.engine.mu.Unlock()
	if !ok {
		return fmt.Errorf("enginetest: no seeded content for %s", swarm.FormatHash(t.descriptor.InfoHash()))
	}

	if err := os.WriteFile(t.path, content, 0o644); err != nil {
		return fmt.Errorf("enginetest: writing transfer output: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return fmt.Errorf("enginetest: transfer already cancelled")
	}
	t.complete = true
	t.progress.BytesDone = t.progress.BytesTotal
	return nil
}

// Cancelled reports whether the core cancelled this transfer.
func (t *FakeTransfer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *FakeTransfer) Progress() engine.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *FakeTransfer) VerifiedComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete
}

func (t *FakeTransfer) Path() string { return t.path }

func (t *FakeTransfer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if !t.complete {
		os.Remove(t.path)
	}
}

// FakeServe is a recorded seeding task.
type FakeServe struct {
	engine     *Engine
	Descriptor *swarm.Descriptor
	SourcePath string

	mu     sync.Mutex
	closed bool
	stats  engine.ServeStats
}

// Closed reports whether the serve has been torn down.
func (s *FakeServe) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeServe) Stats() engine.ServeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *FakeServe) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.mu.Lock()
	s.engine.activeServes--
	s.engine.mu.Unlock()
	return nil
}
