// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/swarm"
	"github.com/swarmpull/swarmpull/lib/tracker"
)

func createCommand() *cli.Command {
	var (
		configPath string
		fp         fingerprintFlags
		path       string
		publish    bool
	)
	return &cli.Command{
		Name:    "create",
		Summary: "build a swarm descriptor for a local file and register it",
		Usage:   "swarmpull create --path <file> --repo <id> --revision <rev> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to config file")
			fp.register(flags)
			flags.StringVar(&path, "path", "", "local file to describe")
			flags.BoolVar(&publish, "publish", true, "publish the descriptor to the tracker")
			return flags
		},
		Run: func(args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			if fp.name == "" {
				fp.name = filepath.Base(path)
			}
			fingerprint, err := fp.fingerprint()
			if err != nil {
				return err
			}

			descriptor, err := swarm.Build(path)
			if err != nil {
				return err
			}
			fmt.Printf("info-hash:    %s\n", swarm.FormatHash(descriptor.InfoHash()))
			fmt.Printf("size:         %s\n", humanize.IBytes(uint64(descriptor.Length)))
			fmt.Printf("piece length: %s\n", humanize.IBytes(uint64(descriptor.PieceLength)))
			fmt.Printf("pieces:       %d\n", descriptor.NumPieces())

			if !publish {
				return nil
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger().With("command", "create")
			trackerClient, err := tracker.NewClient(tracker.Config{
				BaseURL:      cfg.TrackerURL,
				QueryTimeout: cfg.QueryTimeout,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := trackerClient.Publish(ctx, fingerprint, descriptor, nil); err != nil {
				return err
			}
			fmt.Printf("published:    %s\n", fingerprint.Key())
			return nil
		},
	}
}
