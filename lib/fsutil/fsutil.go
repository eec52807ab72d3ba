// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsutil provides atomic file placement for transfer
// delivery.
//
// A transfer writes into a hidden temporary file in the destination's
// directory and renames it into place once the bytes are verified.
// Readers of the destination path therefore see either the previous
// state or the complete artifact, never a partial download. The
// temporary file lives on the same volume as the destination so the
// final rename is atomic rather than a cross-device copy.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// tempSuffix marks in-flight transfer files. Stale files with this
// suffix are safe to delete; a crashed transfer never leaves one at
// the destination path itself.
const tempSuffix = ".swarmpull-tmp"

// TempPath returns the hidden temporary path used while transferring
// toward destination: same directory, dot-prefixed base name,
// tempSuffix appended.
func TempPath(destination string) string {
	dir, base := filepath.Split(destination)
	return filepath.Join(dir, "."+base+tempSuffix)
}

// Probe verifies the destination is writable before any transfer
// starts: it creates the parent directory if needed and creates (or
// truncates) the temporary file. Returns the temporary path. The
// caller owns the file and must either Commit or Discard it.
func Probe(destination string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}
	temp := TempPath(destination)
	file, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temp)
		return "", fmt.Errorf("closing temporary file: %w", err)
	}
	return temp, nil
}

// Commit atomically moves the temporary file into place at
// destination and syncs the parent directory so the rename survives
// power loss.
func Commit(temporary, destination string) error {
	if err := os.Rename(temporary, destination); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	// Best effort: directory sync failures (weird filesystems) don't
	// invalidate the rename itself.
	if parent, err := os.Open(filepath.Dir(destination)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Discard removes the temporary file. Idempotent.
func Discard(temporary string) {
	os.Remove(temporary)
}

// LinkOrCopy places the file at source into dst, preferring a
// hardlink and falling back to a full copy when linking fails
// (different filesystem, or a filesystem without hardlinks). dst is
// replaced if it exists.
func LinkOrCopy(source, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale file %s: %w", dst, err)
	}
	if err := os.Link(source, dst); err == nil {
		return nil
	}

	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating copy target %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying %s: %w", source, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("syncing copy target: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("closing copy target: %w", err)
	}
	return nil
}
