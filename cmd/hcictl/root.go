// go-hci
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-hci.
//
// go-hci is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-hci is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-hci; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hcictl",
		Short: "Drive an NFC controller's HCI host network",
		Long: `hcictl runs the HCI engine against an NFC controller over UART, I2C or
an in-process loopback controller, and reports on its host network.

All flags can be set through HCICTL_* environment variables
(HCICTL_DEVICE=/dev/ttyUSB0) or a config file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(),
		newHostsCmd(),
		newRegistryCmd(),
		newLoopbackCmd(),
		newPortsCmd(),
		newVersionCmd(),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "hcictl %s (commit: %s)\n", version, commit)
		},
	}
}

// commandConfig loads the configuration for cmd's flags
func commandConfig(cmd *cobra.Command) (*Config, *Output, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	return cfg, NewOutput(cmd.OutOrStdout(), cfg.Verbose), nil
}
