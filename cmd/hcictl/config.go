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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	hci "github.com/ZaparooProject/go-hci"
)

// Config is the resolved command configuration.
//
// Sources in order of precedence:
//  1. command line flags
//  2. environment variables (HCICTL_*)
//  3. the config file
//  4. defaults
type Config struct {
	Transport       string        `mapstructure:"transport"`
	Device          string        `mapstructure:"device"`
	IRQPin          string        `mapstructure:"irq-pin"`
	LogLevel        string        `mapstructure:"log-level"`
	Store           string        `mapstructure:"store"`
	MetricsAddr     string        `mapstructure:"metrics-addr"`
	Hosts           []string      `mapstructure:"hosts"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ResponseTimeout time.Duration `mapstructure:"response-timeout"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	Baud            int           `mapstructure:"baud"`
	I2CAddr         uint16        `mapstructure:"i2c-addr"`
	Verbose         bool          `mapstructure:"verbose"`
}

const envPrefix = "HCICTL"

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("transport", "uart", "transport: uart, i2c or loopback")
	fs.String("device", "", "serial port or I2C bus")
	fs.Int("baud", 115200, "UART baud rate")
	fs.Uint16("i2c-addr", 0x28, "I2C controller address")
	fs.String("irq-pin", "", "GPIO name of the controller IRQ line")
	fs.StringSlice("hosts", []string{"uicc"}, "hosts to whitelist (uicc, ese or hex ids)")
	fs.Duration("timeout", 10*time.Second, "time allowed for the host network to come up")
	fs.Duration("response-timeout", hci.DefaultResponseTimeout, "HCP response timeout")
	fs.String("store", "", "badger directory for persisted pipes")
	fs.String("log-level", "warn", "log level: disabled, error, warn, info, debug or trace")
	fs.BoolP("verbose", "v", false, "verbose output")
}

// loadConfig resolves the configuration for fs
func loadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case "uart", "i2c":
		if c.Device == "" {
			return fmt.Errorf("%w: %s transport needs --device", hci.ErrInvalidParameter, c.Transport)
		}
	case "loopback":
	default:
		return fmt.Errorf("%w: unknown transport %q", hci.ErrInvalidParameter, c.Transport)
	}
	if _, err := c.hostIDs(); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// hostIDs parses the whitelist
func (c *Config) hostIDs() ([]hci.HostID, error) {
	ids := make([]hci.HostID, 0, len(c.Hosts))
	for _, s := range c.Hosts {
		id, err := parseHost(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseHost(s string) (hci.HostID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uicc":
		return hci.HostUICC, nil
	case "ese":
		return hci.HostESE, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: host %q", hci.ErrInvalidParameter, s)
	}
	return hci.HostID(n), nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning", "":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: log level %q", hci.ErrInvalidParameter, s)
	}
}

// loggerFactory builds the pion logger factory for the configured level
func (c *Config) loggerFactory(w io.Writer) logging.LoggerFactory {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		level = logging.LogLevelWarn
	}
	if w == nil {
		w = os.Stderr
	}
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: level,
		ScopeLevels:     make(map[string]logging.LogLevel),
	}
}

var errNotReady = errors.New("host network did not come up")
