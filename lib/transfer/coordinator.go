// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"sync"

	"github.com/swarmpull/swarmpull/lib/swarm"
)

// coordinator maps each fingerprint to at most one live session.
// Concurrent requests for the same artifact join the existing session
// as waiters and observe its single terminal outcome. The lock guards
// only map manipulation, never I/O.
type coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newCoordinator() *coordinator {
	return &coordinator{sessions: make(map[string]*Session)}
}

// acquire returns the live session for the fingerprint, creating one
// when none exists. The second return is true for the caller that
// created the session — that caller runs the race; everyone else
// waits on Done.
func (c *coordinator) acquire(fingerprint swarm.Fingerprint, create func() *Session) (*Session, bool) {
	key := fingerprint.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[key]; ok {
		return session, false
	}
	session := create()
	c.sessions[key] = session
	return session, true
}

// release removes a terminal session. Called by the session runner
// before waiters are signalled, so a request arriving after failure
// starts a fresh race instead of joining a dead one.
func (c *coordinator) release(fingerprint swarm.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, fingerprint.Key())
}
