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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/engine/mesh"
	"github.com/swarmpull/swarmpull/lib/seeder"
	"github.com/swarmpull/swarmpull/lib/swarm"
	"github.com/swarmpull/swarmpull/lib/tracker"
)

func seedCommand() *cli.Command {
	var (
		configPath string
		fp         fingerprintFlags
		path       string
		duration   time.Duration
		announce   bool
	)
	return &cli.Command{
		Name:    "seed",
		Summary: "serve a local file to the swarm for a bounded duration",
		Usage:   "swarmpull seed --path <file> --repo <id> --revision <rev> [flags]",
		Examples: []cli.Example{
			{
				Description: "seed downloaded weights for four hours",
				Command: "swarmpull seed --path ./weights.bin --repo org/model " +
					"--revision abc123 --duration 4h",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("seed", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to config file")
			fp.register(flags)
			flags.StringVar(&path, "path", "", "local file to seed")
			flags.DurationVar(&duration, "duration", -1, "how long to seed (0 = until interrupted, -1 = config default)")
			flags.BoolVar(&announce, "announce", true, "publish this node's addresses to the tracker")
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

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if duration < 0 {
				duration = cfg.SeedDuration
			}
			logger := cli.NewCommandLogger().With("command", "seed")

			descriptor, err := swarm.Build(path)
			if err != nil {
				return err
			}

			engine, err := mesh.New(mesh.Config{ListenAddrs: cfg.ListenAddrs, Logger: logger})
			if err != nil {
				return err
			}
			defer engine.Close()

			seedManager, err := seeder.NewManager(seeder.Config{
				Engine: engine,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer seedManager.StopAll()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Seed unbounded in the manager; the command owns the
			// lifetime so final stats survive the teardown.
			if err := seedManager.StartSeeding(ctx, descriptor, path, 0); err != nil {
				return err
			}
			fmt.Printf("seeding %s (%s) as %s\n",
				path, humanize.IBytes(uint64(descriptor.Length)),
				swarm.FormatHash(descriptor.InfoHash()))

			if announce {
				trackerClient, err := tracker.NewClient(tracker.Config{
					BaseURL:      cfg.TrackerURL,
					QueryTimeout: cfg.QueryTimeout,
					Logger:       logger,
				})
				if err != nil {
					return err
				}
				// Best-effort: the tracker may already know this
				// swarm from the original publish.
				if err := trackerClient.Publish(ctx, fingerprint, descriptor, engine.Addrs()); err != nil {
					logger.Warn("announce failed", "error", err)
				}
			}

			var expiry <-chan time.Time
			if duration > 0 {
				expiry = time.After(duration)
			}
			select {
			case <-expiry:
			case <-ctx.Done():
				fmt.Println("interrupted")
			}

			for _, status := range seedManager.Status() {
				fmt.Printf("uploaded %s across %d pieces\n",
					humanize.IBytes(uint64(status.Stats.BytesUploaded)),
					status.Stats.PiecesServed)
			}
			seedManager.StopSeeding(descriptor.InfoHash())
			return nil
		},
	}
}
