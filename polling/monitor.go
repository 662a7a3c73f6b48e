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

// Package polling watches the host network of a running engine and reports
// hosts joining and leaving it.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	hci "github.com/ZaparooProject/go-hci"
)

const maxIdleInterval = 30 * time.Second

// HostSource is the part of hci.Controller the monitor needs
type HostSource interface {
	GetHostList(ctx context.Context, app hci.Handle) error
	Hosts(ctx context.Context) ([]hci.Host, error)
}

var _ HostSource = (*hci.Controller)(nil)

// Config holds the monitor settings
type Config struct {
	LoggerFactory logging.LoggerFactory
	// PollInterval is the time between host list refreshes
	PollInterval time.Duration
	// IdleAfter slows polling to IdleInterval once the network has been
	// stable this long. Zero disables slowing down.
	IdleAfter    time.Duration
	IdleInterval time.Duration
	// RemovalGrace is how long a host may be missing before it is reported
	// inactive
	RemovalGrace time.Duration
	// App is the handle host list requests are made for
	App hci.Handle
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Second,
		IdleAfter:    30 * time.Second,
		IdleInterval: 5 * time.Second,
		RemovalGrace: 2 * time.Second,
		App:          hci.HandleNone,
	}
}

// Metrics counts monitor activity
type Metrics struct {
	Polls           int64
	PollErrors      int64
	Arrivals        int64
	Departures      int64
	LastPollLatency time.Duration
}

// HostMonitor polls the host list and tracks host presence
type HostMonitor struct {
	source         HostSource
	config         *Config
	log            logging.LeveledLogger
	now            func() time.Time
	OnHostActive   func(host hci.HostID)
	OnHostInactive func(host hci.HostID)
	hosts          map[hci.HostID]*HostState
	lastChange     time.Time
	mu             sync.Mutex
	polls          atomic.Int64
	pollErrors     atomic.Int64
	arrivals       atomic.Int64
	departures     atomic.Int64
	lastLatency    atomic.Int64
	interval       atomic.Int64
}

// NewMonitor creates a host monitor. A nil config uses DefaultConfig.
func NewMonitor(source HostSource, config *Config) (*HostMonitor, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil host source", hci.ErrInvalidParameter)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval %v", hci.ErrInvalidParameter, config.PollInterval)
	}
	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	m := &HostMonitor{
		source: source,
		config: config,
		log:    factory.NewLogger("hci-polling"),
		now:    time.Now,
		hosts:  make(map[hci.HostID]*HostState),
	}
	m.lastChange = m.now()
	m.interval.Store(int64(config.PollInterval))
	return m, nil
}

// Run polls until ctx is done
func (m *HostMonitor) Run(ctx context.Context) error {
	for {
		if err := m.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, hci.ErrControllerStopped) {
				return err
			}
			m.log.Warnf("poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.CurrentInterval()):
		}
	}
}

// Poll runs one cycle: it applies the current host table and asks the
// engine to refresh it for the next cycle
func (m *HostMonitor) Poll(ctx context.Context) error {
	start := m.now()
	m.polls.Add(1)

	hosts, err := m.source.Hosts(ctx)
	if err != nil {
		m.pollErrors.Add(1)
		return fmt.Errorf("failed to read host table: %w", err)
	}
	m.apply(hosts, start)

	if err := m.source.GetHostList(ctx, m.config.App); err != nil {
		m.pollErrors.Add(1)
		if errors.Is(err, hci.ErrBusy) {
			return nil
		}
		return fmt.Errorf("failed to request host list: %w", err)
	}
	m.lastLatency.Store(int64(m.now().Sub(start)))
	return nil
}

// apply diffs a host table against the tracked state and fires callbacks
func (m *HostMonitor) apply(hosts []hci.Host, now time.Time) {
	var joined, left []hci.HostID

	m.mu.Lock()
	seen := make(map[hci.HostID]bool, len(hosts))
	for _, h := range hosts {
		if h.ID == hci.HostDH || h.ID == hci.HostController || !h.Active {
			continue
		}
		seen[h.ID] = true
		st, ok := m.hosts[h.ID]
		if !ok {
			st = &HostState{ID: h.ID}
			m.hosts[h.ID] = st
		}
		if st.TransitionToPresent(now) {
			joined = append(joined, h.ID)
		}
	}
	for id, st := range m.hosts {
		if seen[id] {
			continue
		}
		if st.TransitionToMissing(now, m.config.RemovalGrace) {
			left = append(left, id)
		}
	}
	if len(joined) > 0 || len(left) > 0 {
		m.lastChange = now
	}
	m.adjustInterval(now)
	m.mu.Unlock()

	sortHosts(joined)
	sortHosts(left)
	for _, id := range joined {
		m.arrivals.Add(1)
		m.log.Infof("host 0x%02X active", byte(id))
		if m.OnHostActive != nil {
			m.OnHostActive(id)
		}
	}
	for _, id := range left {
		m.departures.Add(1)
		m.log.Infof("host 0x%02X inactive", byte(id))
		if m.OnHostInactive != nil {
			m.OnHostInactive(id)
		}
	}
}

// adjustInterval slows polling down on a stable network. Caller holds mu.
func (m *HostMonitor) adjustInterval(now time.Time) {
	interval := m.config.PollInterval
	if m.config.IdleAfter > 0 && now.Sub(m.lastChange) > m.config.IdleAfter && m.config.IdleInterval > interval {
		interval = min(m.config.IdleInterval, maxIdleInterval)
	}
	m.interval.Store(int64(interval))
}

// CurrentInterval returns the wait before the next poll
func (m *HostMonitor) CurrentInterval() time.Duration {
	return time.Duration(m.interval.Load())
}

// State returns a copy of the tracked state of host
func (m *HostMonitor) State(host hci.HostID) (HostState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.hosts[host]
	if !ok {
		return HostState{}, false
	}
	return *st, true
}

// ActiveHosts returns the hosts currently counted as present
func (m *HostMonitor) ActiveHosts() []hci.HostID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hci.HostID
	for id, st := range m.hosts {
		if st.Active() {
			out = append(out, id)
		}
	}
	sortHosts(out)
	return out
}

// GetMetrics returns the activity counters
func (m *HostMonitor) GetMetrics() Metrics {
	return Metrics{
		Polls:           m.polls.Load(),
		PollErrors:      m.pollErrors.Load(),
		Arrivals:        m.arrivals.Load(),
		Departures:      m.departures.Load(),
		LastPollLatency: time.Duration(m.lastLatency.Load()),
	}
}

func sortHosts(ids []hci.HostID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
