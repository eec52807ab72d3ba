// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/tracker"
)

func statusCommand() *cli.Command {
	var (
		configPath string
		fp         fingerprintFlags
	)
	return &cli.Command{
		Name:    "status",
		Summary: "query the tracker for an artifact's swarm",
		Usage:   "swarmpull status --repo <id> --revision <rev> --file <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to config file")
			fp.register(flags)
			return flags
		},
		Run: func(args []string) error {
			fingerprint, err := fp.fingerprint()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger().With("command", "status")

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

			record, found, err := trackerClient.Query(ctx, fingerprint)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("no swarm registered for %s\n", fingerprint.Key())
				return &cli.ExitError{Code: 1}
			}

			fmt.Printf("info-hash:    %s\n", record.InfoHash)
			fmt.Printf("size:         %s\n", humanize.IBytes(uint64(record.Length)))
			fmt.Printf("piece length: %s\n", humanize.IBytes(uint64(record.PieceLength)))
			fmt.Printf("peers:        %d\n", len(record.Peers))
			for _, peer := range record.Peers {
				fmt.Printf("  %s\n", peer)
			}
			return nil
		},
	}
}
