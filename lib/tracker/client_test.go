// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/swarmpull/swarmpull/lib/swarm"
)

var testFingerprint = swarm.Fingerprint{
	RepoID:   "org/model",
	Revision: "abc123",
	Kind:     "model",
	Name:     "config.json",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:      server.URL,
		HTTPClient:   server.Client(),
		QueryTimeout: 2 * time.Second,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// testRecord builds a consistent record+descriptor pair over small
// synthetic content.
func testRecord(t *testing.T) (*swarm.Descriptor, SwarmRecord) {
	t.Helper()
	content := bytes.Repeat([]byte("swarm test content "), 400)
	descriptor, err := swarm.BuildFromReader(bytes.NewReader(content), "config.json", int64(len(content)))
	if err != nil {
		t.Fatalf("BuildFromReader: %v", err)
	}
	pieces := make([]string, len(descriptor.Pieces))
	for i, piece := range descriptor.Pieces {
		pieces[i] = swarm.FormatHash(piece)
	}
	record := SwarmRecord{
		RepoID:      testFingerprint.RepoID,
		Revision:    testFingerprint.Revision,
		Kind:        testFingerprint.Kind,
		Name:        testFingerprint.Name,
		InfoHash:    swarm.FormatHash(descriptor.InfoHash()),
		Length:      descriptor.Length,
		PieceLength: descriptor.PieceLength,
		Pieces:      pieces,
		Peers:       []string{"/ip4/10.0.0.7/tcp/4001/p2p/QmPeer"},
	}
	return descriptor, record
}

func TestQueryFound(t *testing.T) {
	_, record := testRecord(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/torrents" {
			t.Errorf("path = %q", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("repo_id") != "org/model" || query.Get("revision") != "abc123" ||
			query.Get("name") != "config.json" || query.Get("repo_type") != "model" {
			t.Errorf("unexpected query parameters: %v", query)
		}
		json.NewEncoder(w).Encode(map[string]any{"torrents": []SwarmRecord{record}})
	}))
	defer server.Close()

	got, found, err := newTestClient(t, server).Query(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !found {
		t.Fatal("Query found = false, want true")
	}
	if got.InfoHash != record.InfoHash {
		t.Errorf("InfoHash = %q, want %q", got.InfoHash, record.InfoHash)
	}
	if _, err := got.Descriptor(); err != nil {
		t.Errorf("Descriptor: %v", err)
	}
}

func TestQueryNotFoundVariants(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"empty list", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"torrents": []}`)
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"torrents": nope`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			record, found, err := newTestClient(t, server).Query(context.Background(), testFingerprint)
			if err != nil {
				t.Fatalf("Query returned error: %v", err)
			}
			if found || record != nil {
				t.Error("Query reported a swarm, want not-found")
			}
		})
	}
}

func TestQueryUnreachableTracker(t *testing.T) {
	// A closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, server)
	server.Close()

	record, found, err := client.Query(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if found || record != nil {
		t.Error("Query reported a swarm from an unreachable tracker")
	}
}

func TestQueryTimeoutCollapsesToNotFound(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{
		BaseURL:      server.URL,
		HTTPClient:   server.Client(),
		QueryTimeout: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	start := time.Now()
	_, found, err := client.Query(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if found {
		t.Error("Query reported a swarm from a hung tracker")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Query took %v, query timeout not applied", elapsed)
	}
}

func TestQueryRejectsIncompleteFingerprint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, _, err := newTestClient(t, server).Query(context.Background(), swarm.Fingerprint{RepoID: "x"})
	if err == nil {
		t.Error("Query accepted an incomplete fingerprint")
	}
}

func TestPublish(t *testing.T) {
	descriptor, _ := testRecord(t)

	var received publishRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/publish" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding publish body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := newTestClient(t, server).Publish(context.Background(), testFingerprint, descriptor,
		[]string{"/ip4/127.0.0.1/tcp/9000"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if received.RepoID != "org/model" || received.Revision != "abc123" || received.Name != "config.json" {
		t.Errorf("publish body identity fields: %+v", received)
	}
	if received.InfoHash != swarm.FormatHash(descriptor.InfoHash()) {
		t.Errorf("publish info_hash = %q", received.InfoHash)
	}
	if len(received.Pieces) != descriptor.NumPieces() {
		t.Errorf("publish pieces = %d, want %d", len(received.Pieces), descriptor.NumPieces())
	}
}

func TestPublishNon2xxIsError(t *testing.T) {
	descriptor, _ := testRecord(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "duplicate swarm", http.StatusConflict)
	}))
	defer server.Close()

	if err := newTestClient(t, server).Publish(context.Background(), testFingerprint, descriptor, nil); err == nil {
		t.Error("Publish succeeded on a 409 response")
	}
}

func TestRecordDescriptorRejectsTamperedRecord(t *testing.T) {
	_, record := testRecord(t)

	missing := record
	missing.Pieces = nil
	if _, err := missing.Descriptor(); err == nil {
		t.Error("record without piece hashes produced a descriptor")
	}

	tampered := record
	tampered.Pieces = append([]string(nil), record.Pieces...)
	tampered.Pieces[0] = swarm.FormatHash(swarm.HashPiece([]byte("not the real piece")))
	if _, err := tampered.Descriptor(); err == nil {
		t.Error("tampered record produced a descriptor matching its info-hash")
	}
}
