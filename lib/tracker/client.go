// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker implements the client side of the tracking-service
// wire contract: query a fingerprint for an existing swarm, and
// publish a freshly built descriptor after a first transfer.
//
// The client deliberately flattens every query failure — network
// error, timeout, non-success status, malformed body, empty result —
// into "no swarm found". The transfer session only needs to know
// whether a swarm is usable; a degraded tracker must never fail a
// download that the origin can serve. The distinct failure causes are
// still logged so operators can tell an empty tracker from a dead one.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/swarmpull/swarmpull/lib/netutil"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// DefaultQueryTimeout bounds a single tracker query. Short on
// purpose: the query sits on the critical path of every download,
// and a hung tracker should cost at most this long before the
// session proceeds origin-only.
const DefaultQueryTimeout = 5 * time.Second

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the tracker's base URL (e.g. "http://tracker:8080").
	BaseURL string

	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// QueryTimeout bounds each Query call. Zero means
	// DefaultQueryTimeout.
	QueryTimeout time.Duration

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is a stateless tracking-service client. Safe for concurrent
// use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewClient creates a tracker client from the given configuration.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("tracker: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("tracker: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	queryTimeout := config.QueryTimeout
	if queryTimeout == 0 {
		queryTimeout = DefaultQueryTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   httpClient,
		queryTimeout: queryTimeout,
		logger:       logger,
	}, nil
}

// SwarmRecord is one tracker entry mapping a fingerprint to a swarm.
// Records are immutable on the service side: a changed revision is a
// new record, never a mutation.
type SwarmRecord struct {
	RepoID   string `json:"repo_id"`
	Revision string `json:"revision"`
	Kind     string `json:"repo_type"`
	Name     string `json:"name"`

	// InfoHash is the hex-encoded swarm identity.
	InfoHash string `json:"info_hash"`

	Length      int64 `json:"length"`
	PieceLength int64 `json:"piece_length"`

	// Pieces holds hex-encoded piece hashes in order. Required for
	// the built-in engine to verify received bytes.
	Pieces []string `json:"pieces,omitempty"`

	// Peers holds connection hints (multiaddrs) for reaching the
	// swarm.
	Peers []string `json:"peers,omitempty"`
}

// Descriptor reconstructs the swarm descriptor carried by the record.
// Fails when the record omits piece hashes or they disagree with the
// advertised info-hash — a record that cannot be verified is treated
// the same as no record by callers.
func (r *SwarmRecord) Descriptor() (*swarm.Descriptor, error) {
	if len(r.Pieces) == 0 {
		return nil, fmt.Errorf("tracker: record %s has no piece hashes", r.InfoHash)
	}
	descriptor := &swarm.Descriptor{
		Name:        r.Name,
		Length:      r.Length,
		PieceLength: r.PieceLength,
		Pieces:      make([]swarm.Hash, 0, len(r.Pieces)),
	}
	for i, hexHash := range r.Pieces {
		hash, err := swarm.ParseHash(hexHash)
		if err != nil {
			return nil, fmt.Errorf("tracker: record piece %d: %w", i, err)
		}
		descriptor.Pieces = append(descriptor.Pieces, hash)
	}
	if err := descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("tracker: record descriptor invalid: %w", err)
	}
	if swarm.FormatHash(descriptor.InfoHash()) != r.InfoHash {
		return nil, fmt.Errorf("tracker: record info-hash %s does not match its descriptor", r.InfoHash)
	}
	return descriptor, nil
}

// queryResponse is the body of a successful torrents query.
type queryResponse struct {
	Torrents []SwarmRecord `json:"torrents"`
}

// Query asks the tracker for a swarm matching the fingerprint.
// Returns (record, true) when one exists, (nil, false) otherwise.
// Tracker unreachability and malformed responses are collapsed into
// (nil, false); the error return is reserved for caller misuse (an
// incomplete fingerprint).
func (c *Client) Query(ctx context.Context, fingerprint swarm.Fingerprint) (*SwarmRecord, bool, error) {
	if err := fingerprint.Validate(); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("repo_id", fingerprint.RepoID)
	query.Set("revision", fingerprint.Revision)
	query.Set("name", fingerprint.Name)
	if fingerprint.Kind != "" {
		query.Set("repo_type", fingerprint.Kind)
	}
	requestURL := c.baseURL + "/api/v1/torrents?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("tracker: building query request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("tracker unreachable, treating as no swarm",
			"fingerprint", fingerprint.Key(), "error", err)
		return nil, false, nil
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		c.logger.Debug("no swarm registered", "fingerprint", fingerprint.Key())
		return nil, false, nil
	case response.StatusCode != http.StatusOK:
		c.logger.Warn("tracker query degraded, treating as no swarm",
			"fingerprint", fingerprint.Key(),
			"status", response.StatusCode,
			"body", netutil.ErrorBody(response.Body))
		return nil, false, nil
	}

	var decoded queryResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		c.logger.Warn("tracker returned malformed response, treating as no swarm",
			"fingerprint", fingerprint.Key(), "error", err)
		return nil, false, nil
	}
	if len(decoded.Torrents) == 0 {
		c.logger.Debug("no swarm registered", "fingerprint", fingerprint.Key())
		return nil, false, nil
	}

	record := decoded.Torrents[0]
	c.logger.Info("swarm found",
		"fingerprint", fingerprint.Key(),
		"info_hash", record.InfoHash,
		"peers", len(record.Peers))
	return &record, true, nil
}

// publishRequest is the body of a publish call.
type publishRequest struct {
	RepoID      string   `json:"repo_id"`
	Revision    string   `json:"revision"`
	Kind        string   `json:"repo_type"`
	Name        string   `json:"name"`
	InfoHash    string   `json:"info_hash"`
	Length      int64    `json:"length"`
	PieceLength int64    `json:"piece_length"`
	Pieces      []string `json:"pieces"`
	Peers       []string `json:"peers,omitempty"`
}

// Publish registers a freshly built descriptor under the fingerprint,
// with optional peer hints for reaching the publisher's seed. Non-2xx
// responses are errors; callers treat publish as best-effort.
func (c *Client) Publish(ctx context.Context, fingerprint swarm.Fingerprint, descriptor *swarm.Descriptor, peerHints []string) error {
	if err := fingerprint.Validate(); err != nil {
		return err
	}
	if err := descriptor.Validate(); err != nil {
		return err
	}

	pieces := make([]string, len(descriptor.Pieces))
	for i, piece := range descriptor.Pieces {
		pieces[i] = swarm.FormatHash(piece)
	}
	body, err := json.Marshal(publishRequest{
		RepoID:      fingerprint.RepoID,
		Revision:    fingerprint.Revision,
		Kind:        fingerprint.Kind,
		Name:        fingerprint.Name,
		InfoHash:    swarm.FormatHash(descriptor.InfoHash()),
		Length:      descriptor.Length,
		PieceLength: descriptor.PieceLength,
		Pieces:      pieces,
		Peers:       peerHints,
	})
	if err != nil {
		return fmt.Errorf("tracker: encoding publish request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tracker: building publish request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("tracker: publish failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("tracker: publish returned %d: %s",
			response.StatusCode, netutil.ErrorBody(response.Body))
	}

	c.logger.Info("swarm published",
		"fingerprint", fingerprint.Key(),
		"info_hash", swarm.FormatHash(descriptor.InfoHash()))
	return nil
}
