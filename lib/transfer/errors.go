// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import "errors"

// Error kinds surfaced by RequestArtifact, matchable with errors.Is.
//
// Only a subset ever reaches the caller: tracker unavailability and
// swarm stalls are absorbed into the origin fallback, and publish
// failures are logged after the user's bytes are already delivered. A
// returned error always means neither path delivered verified bytes,
// and no file was left at the destination.
var (
	// ErrTrackerUnavailable marks a tracker that could not answer.
	// Never fatal; logged and treated as swarm-not-found.
	ErrTrackerUnavailable = errors.New("tracker unavailable")

	// ErrSwarmStalled marks a swarm transfer abandoned by stall
	// detection. Never fatal on its own; origin finishes the request.
	ErrSwarmStalled = errors.New("swarm transfer stalled")

	// ErrOriginFailed marks an origin fetch failure. Fatal when the
	// swarm path also failed or never existed.
	ErrOriginFailed = errors.New("origin fetch failed")

	// ErrDeadlineExceeded marks the overall transfer deadline
	// elapsing with no winner. Both paths are cancelled.
	ErrDeadlineExceeded = errors.New("transfer deadline exceeded")

	// ErrIntegrityFailure marks delivered bytes that failed piece
	// verification. Unverified bytes are never accepted.
	ErrIntegrityFailure = errors.New("artifact integrity verification failed")

	// ErrPublishFailed marks a failed post-transfer publish. Never
	// fatal; the transfer already succeeded.
	ErrPublishFailed = errors.New("swarm publish failed")

	// ErrDestination marks an unusable destination path. Fatal before
	// any transfer is attempted.
	ErrDestination = errors.New("destination not writable")
)
