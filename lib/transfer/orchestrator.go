// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer is the hybrid download core: it races a peer-swarm
// transfer against a direct origin fetch under one deadline and
// delivers whichever finishes with verified bytes first.
//
// The entry point is Orchestrator.RequestArtifact. Concurrent
// requests for the same fingerprint are collapsed onto one in-flight
// session; every caller observes that session's single outcome. A
// degraded tracker or a stalled swarm silently degrades to an
// origin-only download — the swarm is an accelerator, never a point
// of failure.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmpull/swarmpull/lib/clock"
	"github.com/swarmpull/swarmpull/lib/engine"
	"github.com/swarmpull/swarmpull/lib/origin"
	"github.com/swarmpull/swarmpull/lib/seeder"
	"github.com/swarmpull/swarmpull/lib/swarm"
	"github.com/swarmpull/swarmpull/lib/tracker"
)

const (
	// DefaultDeadline bounds one artifact request end to end.
	DefaultDeadline = 15 * time.Minute

	// DefaultStallGrace is how long the swarm path may run below the
	// throughput floor before being abandoned.
	DefaultStallGrace = 30 * time.Second

	// DefaultStallFloor is the minimum swarm throughput, in bytes per
	// second, counted as progress.
	DefaultStallFloor = 16 * 1024

	// DefaultMonitorInterval is how often the race samples swarm
	// progress.
	DefaultMonitorInterval = 500 * time.Millisecond
)

// Config holds configuration for creating an Orchestrator.
type Config struct {
	// Tracker queries and publishes swarm records.
	Tracker *tracker.Client

	// Engine provides swarm download sessions.
	Engine engine.Engine

	// Fetcher retrieves from the origin.
	Fetcher origin.Fetcher

	// Seeder, when non-nil, seeds every delivered artifact.
	Seeder *seeder.Manager

	// Clock drives the stall monitor and deadline. If nil,
	// clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// Deadline is the default per-request deadline. Zero means
	// DefaultDeadline.
	Deadline time.Duration

	// StallGrace and StallFloor configure swarm stall detection.
	// Zero values mean the package defaults; StallFloor < 0 means
	// any nonzero throughput counts as progress.
	StallGrace time.Duration
	StallFloor int64

	// MonitorInterval is the progress sampling interval. Zero means
	// DefaultMonitorInterval.
	MonitorInterval time.Duration

	// WorkRoot is where swarm downloads stage their bytes before
	// delivery. Empty means the system temp directory.
	WorkRoot string

	// PeerAddrs are this node's reachable multiaddrs, included as
	// connection hints in published records.
	PeerAddrs []string

	// SeedDuration is passed to the seeder after each delivery. Zero
	// means seed unbounded until the seeder is stopped.
	SeedDuration time.Duration
}

// Request identifies one artifact to deliver.
type Request struct {
	Fingerprint swarm.Fingerprint
	OriginURL   string
	Destination string

	// Deadline overrides the orchestrator default when positive.
	Deadline time.Duration
}

// Result is the terminal outcome of a delivered request.
type Result struct {
	// Path is the destination the artifact was delivered to.
	Path string

	// WasP2P reports whether the swarm path won the race.
	WasP2P bool
}

// ArtifactFetcher is the single capability the interception layer
// consumes; Orchestrator satisfies it.
type ArtifactFetcher interface {
	RequestArtifact(ctx context.Context, request Request) (*Result, error)
}

// Orchestrator runs hybrid transfers. Safe for concurrent use.
type Orchestrator struct {
	tracker *tracker.Client
	engine  engine.Engine
	fetcher origin.Fetcher
	seeder  *seeder.Manager
	clock   clock.Clock
	logger  *slog.Logger

	deadline        time.Duration
	stallGrace      time.Duration
	stallFloor      int64
	monitorInterval time.Duration
	workRoot        string
	peerAddrs       []string
	seedDuration    time.Duration

	coordinator *coordinator
}

// New creates an orchestrator from the given configuration.
func New(config Config) (*Orchestrator, error) {
	if config.Tracker == nil {
		return nil, fmt.Errorf("transfer: Tracker is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("transfer: Engine is required")
	}
	if config.Fetcher == nil {
		return nil, fmt.Errorf("transfer: Fetcher is required")
	}

	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deadline := config.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	stallGrace := config.StallGrace
	if stallGrace == 0 {
		stallGrace = DefaultStallGrace
	}
	stallFloor := config.StallFloor
	if stallFloor == 0 {
		stallFloor = DefaultStallFloor
	}
	if stallFloor < 0 {
		stallFloor = 0
	}
	monitorInterval := config.MonitorInterval
	if monitorInterval == 0 {
		monitorInterval = DefaultMonitorInterval
	}

	return &Orchestrator{
		tracker:         config.Tracker,
		engine:          config.Engine,
		fetcher:         config.Fetcher,
		seeder:          config.Seeder,
		clock:           c,
		logger:          logger,
		deadline:        deadline,
		stallGrace:      stallGrace,
		stallFloor:      stallFloor,
		monitorInterval: monitorInterval,
		workRoot:        config.WorkRoot,
		peerAddrs:       config.PeerAddrs,
		seedDuration:    config.SeedDuration,
		coordinator:     newCoordinator(),
	}, nil
}

// RequestArtifact delivers one artifact to its destination, racing
// the swarm against the origin. Concurrent calls for the same
// fingerprint share one underlying race and return its outcome.
//
// The session runs to its own deadline even if ctx is cancelled —
// other waiters may still want the result; cancellation only detaches
// this caller.
func (o *Orchestrator) RequestArtifact(ctx context.Context, request Request) (*Result, error) {
	if err := request.Fingerprint.Validate(); err != nil {
		return nil, err
	}
	if request.OriginURL == "" {
		return nil, fmt.Errorf("transfer: OriginURL is required")
	}
	if request.Destination == "" {
		return nil, fmt.Errorf("transfer: Destination is required")
	}
	deadline := request.Deadline
	if deadline <= 0 {
		deadline = o.deadline
	}

	session, isNew := o.coordinator.acquire(request.Fingerprint, func() *Session {
		return &Session{
			fingerprint: request.Fingerprint,
			originURL:   request.OriginURL,
			destination: request.Destination,
			deadline:    deadline,
			done:        make(chan struct{}),
		}
	})
	if isNew {
		o.logger.Info("transfer session started",
			"fingerprint", request.Fingerprint.Key(),
			"destination", request.Destination,
			"deadline", deadline)
		go session.run(o)
	} else {
		o.logger.Debug("joining in-flight transfer",
			"fingerprint", request.Fingerprint.Key(),
			"waiters", session.waiters.Add(1))
	}

	select {
	case <-session.done:
		return session.result, session.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
