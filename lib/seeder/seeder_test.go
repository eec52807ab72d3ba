// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package seeder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmpull/swarmpull/lib/clock"
	"github.com/swarmpull/swarmpull/lib/engine/enginetest"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *enginetest.Engine, *clock.FakeClock) {
	t.Helper()
	fakeEngine := enginetest.New()
	fakeClock := clock.Fake(testEpoch)
	manager, err := NewManager(Config{
		Engine: fakeEngine,
		Clock:  fakeClock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager, fakeEngine, fakeClock
}

func seedFile(t *testing.T) (*swarm.Descriptor, string) {
	t.Helper()
	content := bytes.Repeat([]byte("verified artifact "), 500)
	descriptor, err := swarm.BuildFromReader(bytes.NewReader(content), "weights.bin", int64(len(content)))
	if err != nil {
		t.Fatalf("BuildFromReader: %v", err)
	}
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing seed file: %v", err)
	}
	return descriptor, path
}

func TestSeedTaskExpires(t *testing.T) {
	manager, fakeEngine, fakeClock := newTestManager(t)
	descriptor, path := seedFile(t)

	if err := manager.StartSeeding(context.Background(), descriptor, path, 30*time.Minute); err != nil {
		t.Fatalf("StartSeeding: %v", err)
	}
	if fakeEngine.ActiveServes() != 1 {
		t.Fatalf("ActiveServes = %d, want 1", fakeEngine.ActiveServes())
	}
	if len(manager.Status()) != 1 {
		t.Fatalf("Status reports %d tasks, want 1", len(manager.Status()))
	}

	// One minute short of expiry: still seeding.
	fakeClock.Advance(29 * time.Minute)
	if fakeEngine.ActiveServes() != 1 {
		t.Fatal("seed task ended before its duration")
	}

	fakeClock.Advance(time.Minute)
	if fakeEngine.ActiveServes() != 0 {
		t.Error("seed task survived its expiry")
	}
	if fakeEngine.OpenSessions() != 0 {
		t.Error("expiry leaked an engine session")
	}
	if len(manager.Status()) != 0 {
		t.Error("expired task still reported by Status")
	}
}

func TestStartSeedingIdempotentPerSwarm(t *testing.T) {
	manager, fakeEngine, fakeClock := newTestManager(t)
	descriptor, path := seedFile(t)

	if err := manager.StartSeeding(context.Background(), descriptor, path, 30*time.Minute); err != nil {
		t.Fatalf("StartSeeding: %v", err)
	}
	// Second start for the same swarm: extends, does not duplicate.
	fakeClock.Advance(20 * time.Minute)
	if err := manager.StartSeeding(context.Background(), descriptor, path, 30*time.Minute); err != nil {
		t.Fatalf("StartSeeding (extend): %v", err)
	}
	if fakeEngine.ActiveServes() != 1 {
		t.Fatalf("ActiveServes = %d after restart, want 1", fakeEngine.ActiveServes())
	}
	if fakeEngine.OpenSessions() != 1 {
		t.Fatalf("OpenSessions = %d after restart, want 1", fakeEngine.OpenSessions())
	}

	// The original deadline passes; the extended task keeps seeding.
	fakeClock.Advance(15 * time.Minute)
	if fakeEngine.ActiveServes() != 1 {
		t.Fatal("extension did not move the expiry")
	}
	fakeClock.Advance(15 * time.Minute)
	if fakeEngine.ActiveServes() != 0 {
		t.Error("extended task survived its new expiry")
	}
}

func TestUnboundedSeedRunsUntilStopped(t *testing.T) {
	manager, fakeEngine, fakeClock := newTestManager(t)
	descriptor, path := seedFile(t)

	if err := manager.StartSeeding(context.Background(), descriptor, path, 0); err != nil {
		t.Fatalf("StartSeeding: %v", err)
	}
	fakeClock.Advance(1000 * time.Hour)
	if fakeEngine.ActiveServes() != 1 {
		t.Fatal("unbounded seed task expired")
	}
	statuses := manager.Status()
	if len(statuses) != 1 || !statuses[0].ExpiresAt.IsZero() {
		t.Errorf("Status = %+v, want one task with zero ExpiresAt", statuses)
	}

	manager.StopSeeding(descriptor.InfoHash())
	if fakeEngine.ActiveServes() != 0 || fakeEngine.OpenSessions() != 0 {
		t.Error("StopSeeding left engine resources open")
	}
}

func TestStopSeeding(t *testing.T) {
	manager, fakeEngine, fakeClock := newTestManager(t)
	descriptor, path := seedFile(t)

	if err := manager.StartSeeding(context.Background(), descriptor, path, time.Hour); err != nil {
		t.Fatalf("StartSeeding: %v", err)
	}
	manager.StopSeeding(descriptor.InfoHash())
	if fakeEngine.ActiveServes() != 0 || fakeEngine.OpenSessions() != 0 {
		t.Error("StopSeeding left engine resources open")
	}

	// Stopping again, and the stale timer firing later, are both
	// harmless.
	manager.StopSeeding(descriptor.InfoHash())
	fakeClock.Advance(2 * time.Hour)
	if fakeEngine.ActiveServes() != 0 {
		t.Error("stale expiry resurrected the task")
	}
}

func TestStopAll(t *testing.T) {
	manager, fakeEngine, _ := newTestManager(t)
	first, firstPath := seedFile(t)
	second, secondPath := seedFile(t)
	// Distinct content so the swarms differ.
	if err := os.WriteFile(secondPath, bytes.Repeat([]byte("other artifact "), 500), 0o644); err != nil {
		t.Fatalf("rewriting second seed: %v", err)
	}
	secondContent, _ := os.ReadFile(secondPath)
	rebuilt, err := swarm.BuildFromReader(bytes.NewReader(secondContent), "weights.bin", int64(len(secondContent)))
	if err != nil {
		t.Fatalf("BuildFromReader: %v", err)
	}
	second = rebuilt

	ctx := context.Background()
	if err := manager.StartSeeding(ctx, first, firstPath, time.Hour); err != nil {
		t.Fatalf("StartSeeding first: %v", err)
	}
	if err := manager.StartSeeding(ctx, second, secondPath, time.Hour); err != nil {
		t.Fatalf("StartSeeding second: %v", err)
	}
	if fakeEngine.ActiveServes() != 2 {
		t.Fatalf("ActiveServes = %d, want 2", fakeEngine.ActiveServes())
	}

	manager.StopAll()
	if fakeEngine.ActiveServes() != 0 || fakeEngine.OpenSessions() != 0 {
		t.Error("StopAll left engine resources open")
	}
	if len(manager.Status()) != 0 {
		t.Error("StopAll left tasks in Status")
	}
}

func TestStatusReportsExpiry(t *testing.T) {
	manager, _, _ := newTestManager(t)
	descriptor, path := seedFile(t)

	if err := manager.StartSeeding(context.Background(), descriptor, path, 45*time.Minute); err != nil {
		t.Fatalf("StartSeeding: %v", err)
	}

	statuses := manager.Status()
	if len(statuses) != 1 {
		t.Fatalf("Status reports %d tasks, want 1", len(statuses))
	}
	status := statuses[0]
	if status.InfoHash != swarm.FormatHash(descriptor.InfoHash()) {
		t.Errorf("InfoHash = %q", status.InfoHash)
	}
	if status.Path != path {
		t.Errorf("Path = %q, want %q", status.Path, path)
	}
	if want := testEpoch.Add(45 * time.Minute); !status.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", status.ExpiresAt, want)
	}
}
