// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/swarmpull/swarmpull/cmd/swarmpull/cli"
	"github.com/swarmpull/swarmpull/lib/version"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information",
		Usage:   "swarmpull version",
		Run: func(args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}
