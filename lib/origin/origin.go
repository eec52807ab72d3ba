// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package origin retrieves artifacts directly from their origin
// server. It is the fallback arm of the hybrid race: correct and
// boring, expected to win whenever the swarm is absent or slow.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/swarmpull/swarmpull/lib/netutil"
)

// Fetcher retrieves a URL into a local file. Implementations report
// verified-on-disk byte counts through onProgress as they write.
type Fetcher interface {
	// Fetch downloads url into destination, truncating any existing
	// content. onProgress (may be nil) receives the cumulative byte
	// count after each write. The file is left complete on nil error
	// and removed on failure.
	Fetch(ctx context.Context, url, destination string, onProgress func(int64)) error
}

// Config holds configuration for creating an HTTPFetcher.
type Config struct {
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// MaxResume bounds how often a broken connection is resumed with
	// a Range request before the fetch fails. Zero means
	// DefaultMaxResume.
	MaxResume int
}

// DefaultMaxResume is the resume budget for one fetch.
const DefaultMaxResume = 3

// HTTPFetcher fetches over plain HTTP(S), resuming broken transfers
// with Range requests when the origin supports them.
type HTTPFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	maxResume  int
}

// NewHTTPFetcher creates a fetcher from the given configuration.
func NewHTTPFetcher(config Config) *HTTPFetcher {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxResume := config.MaxResume
	if maxResume == 0 {
		maxResume = DefaultMaxResume
	}
	return &HTTPFetcher{httpClient: httpClient, logger: logger, maxResume: maxResume}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, destination string, onProgress func(int64)) error {
	file, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("origin: creating %s: %w", destination, err)
	}

	written, err := f.fetchInto(ctx, url, file, onProgress)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("origin: closing %s: %w", destination, closeErr)
	}
	if err != nil {
		os.Remove(destination)
		return err
	}
	f.logger.Info("origin fetch complete", "url", url, "bytes", written)
	return nil
}

func (f *HTTPFetcher) fetchInto(ctx context.Context, url string, file *os.File, onProgress func(int64)) (int64, error) {
	var total int64
	resumes := 0
	for {
		newTotal, err := f.fetchFrom(ctx, url, file, total, onProgress)
		if err == nil {
			return newTotal, nil
		}
		// Context cancellation is the race being decided, not a
		// transient network fault: stop immediately.
		if ctx.Err() != nil {
			return newTotal, fmt.Errorf("origin: fetch cancelled: %w", ctx.Err())
		}
		// Resume only while the connection keeps making forward
		// progress, and only within the budget.
		if newTotal <= total || resumes >= f.maxResume {
			return newTotal, err
		}
		total = newTotal
		resumes++
		f.logger.Warn("origin connection broke, resuming",
			"url", url, "offset", total, "attempt", resumes, "error", err)
	}
}

// fetchFrom issues one request starting at offset and streams the
// body into the file. Returns the total bytes on disk afterwards.
func (f *HTTPFetcher) fetchFrom(ctx context.Context, url string, file *os.File, offset int64, onProgress func(int64)) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return offset, fmt.Errorf("origin: building request: %w", err)
	}
	if offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	response, err := f.httpClient.Do(request)
	if err != nil {
		return offset, fmt.Errorf("origin: requesting %s: %w", url, err)
	}
	defer response.Body.Close()

	switch {
	case offset == 0 && response.StatusCode == http.StatusOK:
	case offset > 0 && response.StatusCode == http.StatusPartialContent:
	case offset > 0 && response.StatusCode == http.StatusOK:
		// Origin ignored the Range header; rewind and take the full
		// body instead.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return offset, fmt.Errorf("origin: rewinding for full restart: %w", err)
		}
		if err := file.Truncate(0); err != nil {
			return offset, fmt.Errorf("origin: truncating for full restart: %w", err)
		}
		offset = 0
	default:
		return offset, fmt.Errorf("origin: %s returned %d: %s",
			url, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	total := offset
	buffer := make([]byte, 256*1024)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := file.Write(buffer[:n]); writeErr != nil {
				return total, fmt.Errorf("origin: writing body: %w", writeErr)
			}
			total += int64(n)
			if onProgress != nil {
				onProgress(total)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("origin: reading body: %w", readErr)
		}
	}
}
