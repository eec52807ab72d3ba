// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmpull/swarmpull/lib/clock"
	"github.com/swarmpull/swarmpull/lib/engine/enginetest"
	"github.com/swarmpull/swarmpull/lib/origin"
	"github.com/swarmpull/swarmpull/lib/seeder"
	"github.com/swarmpull/swarmpull/lib/swarm"
	"github.com/swarmpull/swarmpull/lib/testutil"
	"github.com/swarmpull/swarmpull/lib/tracker"
)

var (
	testEpoch       = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testFingerprint = swarm.Fingerprint{
		RepoID:   "org/model",
		Revision: "abc123",
		Kind:     "model",
		Name:     "weights.bin",
	}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedFetcher is a hand-driven origin fetcher. A non-nil gate
// blocks the fetch until the gate closes or the context is cancelled.
type scriptedFetcher struct {
	content []byte
	err     error
	gate    chan struct{}

	mu        sync.Mutex
	calls     int
	cancelled bool
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url, destination string, onProgress func(int64)) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled = true
			f.mu.Unlock()
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	if err := os.WriteFile(destination, f.content, 0o644); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(int64(len(f.content)))
	}
	return nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFetcher) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// fakeTracker is an httptest tracking service with one optional
// record and a publish log.
type fakeTracker struct {
	server *httptest.Server

	mu        sync.Mutex
	record    *tracker.SwarmRecord
	publishes []map[string]any
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	ft := &fakeTracker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/torrents", func(w http.ResponseWriter, r *http.Request) {
		ft.mu.Lock()
		record := ft.record
		ft.mu.Unlock()
		if record == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"torrents": []tracker.SwarmRecord{*record}})
	})
	mux.HandleFunc("/api/v1/publish", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding publish body: %v", err)
		}
		ft.mu.Lock()
		ft.publishes = append(ft.publishes, body)
		ft.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	ft.server = httptest.NewServer(mux)
	t.Cleanup(ft.server.Close)
	return ft
}

func (ft *fakeTracker) setRecord(descriptor *swarm.Descriptor, peers []string) {
	pieces := make([]string, len(descriptor.Pieces))
	for i, piece := range descriptor.Pieces {
		pieces[i] = swarm.FormatHash(piece)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record = &tracker.SwarmRecord{
		RepoID:      testFingerprint.RepoID,
		Revision:    testFingerprint.Revision,
		Kind:        testFingerprint.Kind,
		Name:        testFingerprint.Name,
		InfoHash:    swarm.FormatHash(descriptor.InfoHash()),
		Length:      descriptor.Length,
		PieceLength: descriptor.PieceLength,
		Pieces:      pieces,
		Peers:       peers,
	}
}

func (ft *fakeTracker) publishCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.publishes)
}

type testCore struct {
	orchestrator *Orchestrator
	tracker      *fakeTracker
	engine       *enginetest.Engine
	clock        *clock.FakeClock
	seeder       *seeder.Manager
	destDir      string
}

func newTestCore(t *testing.T, fetcher origin.Fetcher, withSeeder bool) *testCore {
	t.Helper()
	ft := newFakeTracker(t)
	fakeEngine := enginetest.New()
	fakeClock := clock.Fake(testEpoch)

	trackerClient, err := tracker.NewClient(tracker.Config{
		BaseURL:    ft.server.URL,
		HTTPClient: ft.server.Client(),
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("tracker.NewClient: %v", err)
	}

	var seedManager *seeder.Manager
	if withSeeder {
		seedManager, err = seeder.NewManager(seeder.Config{
			Engine: fakeEngine,
			Clock:  fakeClock,
			Logger: quietLogger(),
		})
		if err != nil {
			t.Fatalf("seeder.NewManager: %v", err)
		}
		t.Cleanup(seedManager.StopAll)
	}

	orchestrator, err := New(Config{
		Tracker:         trackerClient,
		Engine:          fakeEngine,
		Fetcher:         fetcher,
		Seeder:          seedManager,
		Clock:           fakeClock,
		Logger:          quietLogger(),
		Deadline:        10 * time.Minute,
		StallGrace:      30 * time.Second,
		StallFloor:      1024,
		MonitorInterval: 500 * time.Millisecond,
		WorkRoot:        t.TempDir(),
		PeerAddrs:       []string{"/ip4/127.0.0.1/tcp/4001/p2p/QmSelf"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testCore{
		orchestrator: orchestrator,
		tracker:      ft,
		engine:       fakeEngine,
		clock:        fakeClock,
		seeder:       seedManager,
		destDir:      t.TempDir(),
	}
}

func (core *testCore) request(deadline time.Duration) Request {
	return Request{
		Fingerprint: testFingerprint,
		OriginURL:   "https://origin.example/weights.bin",
		Destination: filepath.Join(core.destDir, "weights.bin"),
		Deadline:    deadline,
	}
}

// waitFor polls a condition in real time; the fake clock stays under
// test control.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func patternBytes(length int) []byte {
	data := make([]byte, length)
	var state uint32 = 0x6d2b79f5
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}
	return data
}

// A 4KB artifact with no registered swarm: origin delivers, a
// descriptor is published exactly once, and the artifact is seeded.
func TestOriginWinPublishesAndSeeds(t *testing.T) {
	content := patternBytes(4 * 1024)
	fetcher := &scriptedFetcher{content: content}
	core := newTestCore(t, fetcher, true)

	result, err := core.orchestrator.RequestArtifact(context.Background(), core.request(0))
	if err != nil {
		t.Fatalf("RequestArtifact: %v", err)
	}
	if result.WasP2P {
		t.Error("WasP2P = true for an origin-only transfer")
	}

	delivered, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("reading delivered file: %v", err)
	}
	if !bytes.Equal(delivered, content) {
		t.Error("delivered bytes differ from origin content")
	}

	if got := core.tracker.publishCount(); got != 1 {
		t.Errorf("publish count = %d, want 1", got)
	}
	descriptor, err := swarm.Build(result.Path)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	core.tracker.mu.Lock()
	publishedHash := core.tracker.publishes[0]["info_hash"]
	core.tracker.mu.Unlock()
	if publishedHash != swarm.FormatHash(descriptor.InfoHash()) {
		t.Errorf("published info_hash = %v, want %s", publishedHash, swarm.FormatHash(descriptor.InfoHash()))
	}

	if core.engine.ActiveServes() != 1 {
		t.Errorf("ActiveServes = %d after delivery, want 1", core.engine.ActiveServes())
	}
	statuses := core.seeder.Status()
	if len(statuses) != 1 || statuses[0].InfoHash != swarm.FormatHash(descriptor.InfoHash()) {
		t.Errorf("seed status = %+v", statuses)
	}
}

// A 6MB artifact with a registered swarm: the swarm completes all
// pieces first, the origin fetch is cancelled, and the destination is
// byte-identical to the swarm content.
func TestSwarmWinCancelsOrigin(t *testing.T) {
	content := patternBytes(6 * 1024 * 1024)
	descriptor, err := swarm.BuildFromReader(bytes.NewReader(content), testFingerprint.Name, int64(len(content)))
	if err != nil {
		t.Fatalf("BuildFromReader: %v", err)
	}

	fetcher := &scriptedFetcher{content: content, gate: make(chan struct{})}
	core := newTestCore(t, fetcher, false)
	core.tracker.setRecord(descriptor, []string{"/ip4/10.0.0.9/tcp/4001/p2p/QmSeed"})
	core.engine.SeedContent(descriptor, content)

	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := core.orchestrator.RequestArtifact(context.Background(), core.request(0))
		outcomes <- outcome{result, err}
	}()

	swarmTransfer := testutil.RequireReceive(t, core.engine.Transfers, 5*time.Second, "waiting for swarm download")
	if err := swarmTransfer.CompleteVerified(); err != nil {
		t.Fatalf("CompleteVerified: %v", err)
	}

	// Deadline timer plus monitor ticker.
	core.clock.WaitForTimers(2)
	core.clock.Advance(500 * time.Millisecond)

	got := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for race outcome")
	if got.err != nil {
		t.Fatalf("RequestArtifact: %v", got.err)
	}
	if !got.result.WasP2P {
		t.Error("WasP2P = false for a swarm win")
	}

	delivered, err := os.ReadFile(got.result.Path)
	if err != nil {
		t.Fatalf("reading delivered file: %v", err)
	}
	if !bytes.Equal(delivered, content) {
		t.Error("delivered bytes differ from swarm content")
	}

	waitFor(t, "origin cancellation", fetcher.wasCancelled)
	if core.tracker.publishCount() != 0 {
		t.Error("swarm win published a record that already existed")
	}
	waitFor(t, "engine session teardown", func() bool { return core.engine.OpenSessions() == 0 })
}

// A swarm that never moves bytes is abandoned once the grace window
// elapses — well before the deadline — and origin finishes alone.
func TestStalledSwarmAbandonedBeforeDeadline(t *testing.T) {
	content := patternBytes(256 * 1024)
	descriptor, err := swarm.BuildFromReader(bytes.NewReader(content), testFingerprint.Name, int64(len(content)))
	if err != nil {
		t.Fatalf("BuildFromReader: %v", err)
	}

	gate := make(chan struct{})
	fetcher := &scriptedFetcher{content: content, gate: gate}
	core := newTestCore(t, fetcher, false)
	core.tracker.setRecord(descriptor, nil)

	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := core.orchestrator.RequestArtifact(context.Background(), core.request(0))
		outcomes <- outcome{result, err}
	}()

	swarmTransfer := testutil.RequireReceive(t, core.engine.Transfers, 5*time.Second, "waiting for swarm download")

	// 31s of fake time: past the 30s grace, far short of the 10m
	// deadline.
	core.clock.WaitForTimers(2)
	core.clock.Advance(31 * time.Second)
	waitFor(t, "swarm abandonment", swarmTransfer.Cancelled)

	// Origin is still running; release it.
	close(gate)
	got := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for origin delivery")
	if got.err != nil {
		t.Fatalf("RequestArtifact after stall: %v", got.err)
	}
	if got.result.WasP2P {
		t.Error("WasP2P = true after the swarm was abandoned")
	}
	delivered, err := os.ReadFile(got.result.Path)
	if err != nil {
		t.Fatalf("reading delivered file: %v", err)
	}
	if !bytes.Equal(delivered, content) {
		t.Error("delivered bytes differ from origin content")
	}
}

func TestBothPathsFailLeavesNoFile(t *testing.T) {
	fetcher := &scriptedFetcher{err: errors.New("origin: 403")}
	core := newTestCore(t, fetcher, false)

	_, err := core.orchestrator.RequestArtifact(context.Background(), core.request(0))
	if !errors.Is(err, ErrOriginFailed) {
		t.Fatalf("error = %v, want ErrOriginFailed", err)
	}

	entries, readErr := os.ReadDir(core.destDir)
	if readErr != nil {
		t.Fatalf("ReadDir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("destination directory not empty after failure: %v", entries)
	}
}

func TestDeadlineExceededCancelsOrigin(t *testing.T) {
	fetcher := &scriptedFetcher{content: []byte("late"), gate: make(chan struct{})}
	core := newTestCore(t, fetcher, false)

	type outcome struct {
		err error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		_, err := core.orchestrator.RequestArtifact(context.Background(), core.request(time.Minute))
		outcomes <- outcome{err}
	}()

	core.clock.WaitForTimers(1)
	core.clock.Advance(time.Minute)

	got := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for deadline failure")
	if !errors.Is(got.err, ErrDeadlineExceeded) {
		t.Fatalf("error = %v, want ErrDeadlineExceeded", got.err)
	}
	if !fetcher.wasCancelled() {
		t.Error("deadline did not cancel the origin fetch")
	}

	entries, err := os.ReadDir(core.destDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination directory not empty after deadline: %v", entries)
	}
}

// Concurrent duplicate requests share one race: one origin fetch, one
// publish, identical outcomes for every caller.
func TestConcurrentRequestsShareOneSession(t *testing.T) {
	content := patternBytes(8 * 1024)
	gate := make(chan struct{})
	fetcher := &scriptedFetcher{content: content, gate: gate}
	core := newTestCore(t, fetcher, false)

	const callers = 8
	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, callers)
	for i := 0; i < callers; i++ {
		go func() {
			result, err := core.orchestrator.RequestArtifact(context.Background(), core.request(0))
			outcomes <- outcome{result, err}
		}()
	}

	// Wait until every caller has either started the session or
	// joined it as a waiter before letting the origin finish.
	waitFor(t, "origin fetch start", func() bool { return fetcher.callCount() == 1 })
	waitFor(t, "all callers joined", func() bool {
		core.orchestrator.coordinator.mu.Lock()
		session := core.orchestrator.coordinator.sessions[testFingerprint.Key()]
		core.orchestrator.coordinator.mu.Unlock()
		return session != nil && session.waiters.Load() == callers-1
	})
	close(gate)

	for i := 0; i < callers; i++ {
		got := testutil.RequireReceive(t, outcomes, 5*time.Second, "waiting for caller %d", i)
		if got.err != nil {
			t.Fatalf("caller %d: %v", i, got.err)
		}
		if got.result.Path != filepath.Join(core.destDir, "weights.bin") {
			t.Errorf("caller %d path = %q", i, got.result.Path)
		}
		if got.result.WasP2P {
			t.Errorf("caller %d reported a swarm win", i)
		}
	}

	if got := fetcher.callCount(); got != 1 {
		t.Errorf("origin fetch count = %d, want 1", got)
	}
	if got := core.tracker.publishCount(); got != 1 {
		t.Errorf("publish count = %d, want 1", got)
	}
}
