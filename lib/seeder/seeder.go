// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package seeder keeps delivered artifacts available to the swarm for
// a bounded duration after a successful transfer.
//
// Seeding is an altruism budget, not a daemon: each task expires on
// its own timer and tears down its engine session. Starting a seed
// for an info-hash that is already seeding extends the existing task
// instead of opening a second engine session.
package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmpull/swarmpull/lib/clock"
	"github.com/swarmpull/swarmpull/lib/engine"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Config holds configuration for creating a Manager.
type Config struct {
	// Engine provides the seeding sessions.
	Engine engine.Engine

	// Clock is used for expiry timers. If nil, clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// TaskStatus describes one active seed task.
type TaskStatus struct {
	InfoHash string
	Path     string

	// ExpiresAt is the zero time for unbounded tasks.
	ExpiresAt time.Time

	Stats engine.ServeStats
}

// Manager owns all seed tasks of one process.
type Manager struct {
	engine engine.Engine
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[swarm.Hash]*task
}

type task struct {
	infoHash swarm.Hash
	path     string
	session  engine.Session
	serve    engine.Serve

	// timer is nil for unbounded tasks.
	timer     *clock.Timer
	expiresAt time.Time
}

// NewManager creates a seed manager from the given configuration.
func NewManager(config Config) (*Manager, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("seeder: Engine is required")
	}
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine: config.Engine,
		clock:  c,
		logger: logger,
		tasks:  make(map[swarm.Hash]*task),
	}, nil
}

// StartSeeding makes the verified file at sourcePath available to the
// swarm for the given duration. A duration of zero means unbounded:
// the task runs until StopSeeding, StopAll, or process exit. If the
// descriptor's swarm is already being seeded the existing task's
// expiry is replaced instead of opening a second engine session.
func (m *Manager) StartSeeding(ctx context.Context, descriptor *swarm.Descriptor, sourcePath string, duration time.Duration) error {
	infoHash := descriptor.InfoHash()
	var expiresAt time.Time
	if duration > 0 {
		expiresAt = m.clock.Now().Add(duration)
	}

	m.mu.Lock()
	if existing, ok := m.tasks[infoHash]; ok {
		m.rescheduleLocked(existing, duration, expiresAt)
		m.mu.Unlock()
		m.logger.Debug("seed task extended",
			"info_hash", swarm.FormatHash(infoHash), "expires_at", expiresAt)
		return nil
	}
	m.mu.Unlock()

	session, err := m.engine.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("seeder: opening engine session: %w", err)
	}
	serve, err := session.Serve(ctx, descriptor, sourcePath)
	if err != nil {
		session.Close()
		return fmt.Errorf("seeder: starting serve: %w", err)
	}

	t := &task{
		infoHash:  infoHash,
		path:      sourcePath,
		session:   session,
		serve:     serve,
		expiresAt: expiresAt,
	}

	m.mu.Lock()
	if existing, ok := m.tasks[infoHash]; ok {
		// Lost a race with a concurrent StartSeeding for the same
		// swarm; keep the established task.
		m.rescheduleLocked(existing, duration, expiresAt)
		m.mu.Unlock()
		serve.Close()
		session.Close()
		return nil
	}
	if duration > 0 {
		t.timer = m.clock.AfterFunc(duration, func() { m.expire(infoHash) })
	}
	m.tasks[infoHash] = t
	m.mu.Unlock()

	m.logger.Info("seed task started",
		"info_hash", swarm.FormatHash(infoHash),
		"path", sourcePath,
		"expires_at", expiresAt)
	return nil
}

// rescheduleLocked replaces a task's expiry: a positive duration
// resets or creates its timer, zero makes it unbounded.
func (m *Manager) rescheduleLocked(t *task, duration time.Duration, expiresAt time.Time) {
	t.expiresAt = expiresAt
	switch {
	case duration > 0 && t.timer != nil:
		t.timer.Reset(duration)
	case duration > 0:
		infoHash := t.infoHash
		t.timer = m.clock.AfterFunc(duration, func() { m.expire(infoHash) })
	case t.timer != nil:
		t.timer.Stop()
		t.timer = nil
	}
}

// expire is the timer callback; it may race an explicit StopSeeding.
func (m *Manager) expire(infoHash swarm.Hash) {
	if m.stop(infoHash) {
		m.logger.Info("seed task expired", "info_hash", swarm.FormatHash(infoHash))
	}
}

// StopSeeding tears down the seed task for an info-hash, if any.
func (m *Manager) StopSeeding(infoHash swarm.Hash) {
	if m.stop(infoHash) {
		m.logger.Info("seed task stopped", "info_hash", swarm.FormatHash(infoHash))
	}
}

func (m *Manager) stop(infoHash swarm.Hash) bool {
	m.mu.Lock()
	t, ok := m.tasks[infoHash]
	if ok {
		delete(m.tasks, infoHash)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.serve.Close()
	t.session.Close()
	return true
}

// StopAll tears down every active seed task. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	hashes := make([]swarm.Hash, 0, len(m.tasks))
	for infoHash := range m.tasks {
		hashes = append(hashes, infoHash)
	}
	m.mu.Unlock()

	for _, infoHash := range hashes {
		m.StopSeeding(infoHash)
	}
}

// Status returns a snapshot of all active seed tasks, ordered by
// info-hash.
func (m *Manager) Status() []TaskStatus {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, TaskStatus{
			InfoHash:  swarm.FormatHash(t.infoHash),
			Path:      t.path,
			ExpiresAt: t.expiresAt,
			Stats:     t.serve.Stats(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].InfoHash < statuses[j].InfoHash })
	return statuses
}
