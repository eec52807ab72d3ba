// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for swarmpull.
//
// Configuration is loaded from a single file specified by either the
// SWARMPULL_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Key exports:
//
//   - [Config] -- tracker, engine, race, and seeding settings
//   - [Default] -- returns a Config with the built-in defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other swarmpull packages.
package config
