// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small HTTP I/O helpers shared by the
// tracker client and the origin fetcher.
//
// The response helpers bound every body read at MaxResponseSize so a
// misbehaving tracker cannot make the client allocate unbounded
// memory. They are for JSON API responses only — artifact content is
// streamed with io.Copy, never buffered through these.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads: 16 MB. Real
// tracker responses are a few KB; the limit only exists to cap the
// damage from a pathological server.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for inclusion in a
// diagnostic message. Read errors are ignored — a truncated body is
// still better than none in an error string.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
