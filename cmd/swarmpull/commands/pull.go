// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/engine/mesh"
	"github.com/swarmpull/swarmpull/lib/origin"
	"github.com/swarmpull/swarmpull/lib/seeder"
	"github.com/swarmpull/swarmpull/lib/tracker"
	"github.com/swarmpull/swarmpull/lib/transfer"
)

func pullCommand() *cli.Command {
	var (
		configPath string
		fp         fingerprintFlags
		originURL  string
		dest       string
		deadline   time.Duration
	)
	return &cli.Command{
		Name:    "pull",
		Summary: "download an artifact, racing the swarm against the origin",
		Usage:   "swarmpull pull --repo <id> --revision <rev> --file <name> --url <origin> --dest <path> [flags]",
		Examples: []cli.Example{
			{
				Description: "pull model weights, seeding afterwards per config",
				Command: "swarmpull pull --repo org/model --revision abc123 " +
					"--file weights.bin --url https://origin.example/weights.bin --dest ./weights.bin",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("pull", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to config file")
			fp.register(flags)
			flags.StringVar(&originURL, "url", "", "origin download URL")
			flags.StringVar(&dest, "dest", "", "destination path for the artifact")
			flags.DurationVar(&deadline, "deadline", 0, "overall transfer deadline (0 = config default)")
			return flags
		},
		Run: func(args []string) error {
			fingerprint, err := fp.fingerprint()
			if err != nil {
				return err
			}
			if originURL == "" || dest == "" {
				return fmt.Errorf("--url and --dest are required")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger().With("command", "pull")

			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := mesh.New(mesh.Config{ListenAddrs: cfg.ListenAddrs, Logger: logger})
			if err != nil {
				return err
			}
			defer engine.Close()

			trackerClient, err := tracker.NewClient(tracker.Config{
				BaseURL:      cfg.TrackerURL,
				QueryTimeout: cfg.QueryTimeout,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			var seedManager *seeder.Manager
			if cfg.AutoSeed {
				seedManager, err = seeder.NewManager(seeder.Config{
					Engine: engine,
					Logger: logger,
				})
				if err != nil {
					return err
				}
				defer seedManager.StopAll()
			}

			orchestrator, err := transfer.New(transfer.Config{
				Tracker:      trackerClient,
				Engine:       engine,
				Fetcher:      origin.NewHTTPFetcher(origin.Config{Logger: logger}),
				Seeder:       seedManager,
				Logger:       logger,
				Deadline:     cfg.Deadline,
				StallGrace:   cfg.StallGrace,
				StallFloor:   cfg.StallFloor,
				WorkRoot:     cfg.DataDir,
				PeerAddrs:    engine.Addrs(),
				SeedDuration: cfg.SeedDuration,
			})
			if err != nil {
				return err
			}

			result, err := orchestrator.RequestArtifact(ctx, transfer.Request{
				Fingerprint: fingerprint,
				OriginURL:   originURL,
				Destination: dest,
				Deadline:    deadline,
			})
			if err != nil {
				return err
			}

			source := "origin"
			if result.WasP2P {
				source = "swarm"
			}
			stat, statErr := os.Stat(result.Path)
			size := "unknown"
			if statErr == nil {
				size = humanize.IBytes(uint64(stat.Size()))
			}
			fmt.Printf("%s  (%s, via %s)\n", result.Path, size, source)

			// Stay alive seeding the delivered artifact when
			// configured; ^C ends it early.
			if cfg.AutoSeed && cfg.SeedDuration > 0 {
				logger.Info("seeding delivered artifact",
					"duration", cfg.SeedDuration, "addrs", engine.Addrs())
				select {
				case <-time.After(cfg.SeedDuration):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}
}
