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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	hci "github.com/ZaparooProject/go-hci"
	"github.com/ZaparooProject/go-hci/detection"
	"github.com/ZaparooProject/go-hci/polling"
)

const metricsShutdownTimeout = 2 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring up the host network and report changes until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Duration("poll-interval", time.Second, "host list refresh interval")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, out, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	s, err := startSession(ctx, cfg, out, reg)
	if err != nil {
		return err
	}
	defer func() { _ = s.stop() }()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				out.Error("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		out.Info("metrics on %s", cfg.MetricsAddr)
	}

	app, events, err := s.appEvents(ctx, "hcictl", true)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	mcfg := polling.DefaultConfig()
	mcfg.LoggerFactory = cfg.loggerFactory(nil)
	mcfg.PollInterval = cfg.PollInterval
	mcfg.App = app
	monitor, err := polling.NewMonitor(s.ctrl, mcfg)
	if err != nil {
		return err
	}
	monitor.OnHostActive = out.HostActive
	monitor.OnHostInactive = out.HostInactive

	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	for {
		select {
		case ev := <-events:
			if ev.Kind != hci.EventHostList {
				out.Event(ev)
			}
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "Read the host list and print the host table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, out, err := commandConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := startSession(ctx, cfg, out, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.stop() }()

			app, events, err := s.appEvents(ctx, "hcictl", false)
			if err != nil {
				return err
			}
			if err := s.ctrl.GetHostList(ctx, app); err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
			if _, err := waitApp(waitCtx, events, hci.EventHostList); err != nil {
				return fmt.Errorf("failed to read host list: %w", err)
			}
			hosts, err := s.ctrl.Hosts(ctx)
			if err != nil {
				return err
			}
			out.HostTable(hosts)
			return nil
		},
	}
}

// pipeFlags are the flags of commands that open a temporary pipe
type pipeFlags struct {
	host string
	gate uint8
}

func (f *pipeFlags) register(cmd *cobra.Command, gate hci.GateID) {
	cmd.Flags().StringVar(&f.host, "host", "uicc", "remote host")
	cmd.Flags().Uint8Var(&f.gate, "gate", uint8(gate), "remote gate")
}

// openTempPipe creates and opens a pipe to the flagged host and gate. The
// returned cleanup deletes it.
func openTempPipe(ctx context.Context, s *session, f *pipeFlags) (hci.Handle, hci.PipeID, <-chan hci.Event, func(), error) {
	host, err := parseHost(f.host)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	app, events, err := s.appEvents(ctx, "hcictl", false)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	gate, err := s.ctrl.AllocateGate(ctx, app, hci.GateAuto)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	if err := s.ctrl.CreatePipe(ctx, app, gate, host, hci.GateID(f.gate)); err != nil {
		return 0, 0, nil, nil, err
	}
	created, err := waitApp(ctx, events, hci.EventCreatePipe)
	if err != nil {
		return 0, 0, nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	if err := s.ctrl.OpenPipe(ctx, app, created.Pipe); err != nil {
		return 0, 0, nil, nil, err
	}
	if _, err := waitApp(ctx, events, hci.EventOpenPipe); err != nil {
		return 0, 0, nil, nil, fmt.Errorf("failed to open pipe: %w", err)
	}
	cleanup := func() {
		if err := s.ctrl.DeletePipe(context.Background(), app, created.Pipe); err == nil {
			_, _ = waitApp(ctx, events, hci.EventDeletePipe)
		}
	}
	return app, created.Pipe, events, cleanup, nil
}

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Access a remote gate registry",
	}

	var flags pipeFlags
	get := &cobra.Command{
		Use:   "get <index>",
		Short: "Read one registry parameter of a remote gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 0, 8)
			if err != nil {
				return fmt.Errorf("%w: registry index %q", hci.ErrInvalidParameter, args[0])
			}
			cfg, out, err := commandConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			s, err := startSession(ctx, cfg, out, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.stop() }()

			app, pipe, events, cleanup, err := openTempPipe(ctx, s, &flags)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := s.ctrl.GetRegistry(ctx, app, pipe, byte(index)); err != nil {
				return err
			}
			ev, err := waitApp(ctx, events, hci.EventGetRegistry)
			if err != nil {
				return fmt.Errorf("failed to read registry: %w", err)
			}
			out.Registry(pipe, byte(index), ev.Data)
			return nil
		},
	}
	flags.register(get, hci.GateIdentityManagement)
	cmd.AddCommand(get)
	return cmd
}

func newLoopbackCmd() *cobra.Command {
	var (
		flags pipeFlags
		count int
		size  int
	)
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Echo EVT_POST_DATA through a remote loopback gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < 0 || size > 255 {
				return fmt.Errorf("%w: size %d", hci.ErrInvalidParameter, size)
			}
			cfg, out, err := commandConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			s, err := startSession(ctx, cfg, out, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.stop() }()

			app, pipe, events, cleanup, err := openTempPipe(ctx, s, &flags)
			if err != nil {
				return err
			}
			defer cleanup()

			for i := 0; i < count; i++ {
				data := bytes.Repeat([]byte{byte(i)}, size)
				start := time.Now()
				if err := s.ctrl.SendEvent(ctx, app, pipe, hci.EvtPostData, data, false, 0); err != nil {
					return err
				}
				echo, err := waitApp(ctx, events, hci.EventEventReceived)
				if err != nil {
					return fmt.Errorf("no echo for round %d: %w", i, err)
				}
				if !bytes.Equal(echo.Data, data) {
					return fmt.Errorf("%w: round %d echoed % X", hci.ErrFailed, i, echo.Data)
				}
				out.OK("round %d: %d bytes in %v", i, size, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	flags.register(cmd, hci.GateLoopback)
	cmd.Flags().IntVar(&count, "count", 3, "number of round trips")
	cmd.Flags().IntVar(&size, "size", 16, "payload bytes per round trip")
	return cmd
}

func newPortsCmd() *cobra.Command {
	var opts detection.Options
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and I2C buses a controller may be attached to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			candidates, err := detection.List(cmd.Context(), opts)
			if err != nil && len(candidates) == 0 {
				return err
			}
			for _, c := range candidates {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&opts.IgnorePaths, "ignore", nil, "device paths to leave out")
	cmd.Flags().StringSliceVar(&opts.Blocklist, "block", nil, "USB VID:PID pairs to leave out")
	cmd.Flags().BoolVar(&opts.SkipI2C, "no-i2c", false, "skip I2C buses")
	cmd.Flags().BoolVar(&opts.SkipUART, "no-uart", false, "skip serial ports")
	return cmd
}
