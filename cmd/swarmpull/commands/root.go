// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the swarmpull command tree.
package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/config"
	"github.com/swarmpull/swarmpull/lib/swarm"
)

// Root returns the top-level swarmpull command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "swarmpull",
		Summary: "hybrid swarm/origin artifact transfer",
		Description: "swarmpull accelerates large-artifact downloads by racing a\n" +
			"peer swarm against the origin server, falling back to the origin\n" +
			"whenever the swarm is absent or slow.",
		Subcommands: []*cli.Command{
			pullCommand(),
			createCommand(),
			seedCommand(),
			statusCommand(),
			versionCommand(),
		},
	}
}

// loadConfig reads the file given by --config, or falls back to
// SWARMPULL_CONFIG / defaults.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// fingerprintFlags are the four identity flags shared by pull,
// create, and status.
type fingerprintFlags struct {
	repo     string
	revision string
	kind     string
	name     string
}

func (f *fingerprintFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.repo, "repo", "", "repository identifier (e.g. org/model)")
	flags.StringVar(&f.revision, "revision", "", "artifact revision")
	flags.StringVar(&f.kind, "type", "model", "repository type")
	flags.StringVar(&f.name, "file", "", "file name within the repository")
}

func (f *fingerprintFlags) fingerprint() (swarm.Fingerprint, error) {
	fingerprint := swarm.Fingerprint{
		RepoID:   f.repo,
		Revision: f.revision,
		Kind:     f.kind,
		Name:     f.name,
	}
	if err := fingerprint.Validate(); err != nil {
		return swarm.Fingerprint{}, fmt.Errorf("--repo, --revision, and --file are required: %w", err)
	}
	return fingerprint, nil
}
