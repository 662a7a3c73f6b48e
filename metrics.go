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

package hci

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the engine.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// MessagesSent counts HCP messages written to the transport by type.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts reassembled inbound HCP messages by type.
	MessagesReceived *prometheus.CounterVec

	// SegmentsSent counts transport segments written.
	SegmentsSent prometheus.Counter

	// ResponseTimeouts counts commands that expired without a response.
	ResponseTimeouts prometheus.Counter

	// Rejections counts non-OK response codes by response name.
	Rejections *prometheus.CounterVec

	// QueueDepth tracks requests waiting in the API and host-reset queues.
	// Label: queue ("api", "reset").
	QueueDepth *prometheus.GaugeVec

	// StateTransitions counts state changes by destination state.
	StateTransitions *prometheus.CounterVec

	// Dropped counts inbound messages discarded without delivery.
	Dropped prometheus.Counter
}

// NewMetrics creates and registers engine metrics with the given Prometheus
// registerer. If reg is nil, metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "hcp",
			Name:      "messages_sent_total",
			Help:      "Total number of HCP messages sent by type",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "hcp",
			Name:      "messages_received_total",
			Help:      "Total number of HCP messages received by type",
		}, []string{"type"}),
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "hcp",
			Name:      "segments_sent_total",
			Help:      "Total number of HCP segments written to the transport",
		}),
		ResponseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "engine",
			Name:      "response_timeouts_total",
			Help:      "Total number of commands that timed out",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Total number of non-OK responses by response code",
		}, []string{"code"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hci",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Number of requests waiting per queue",
		}, []string{"queue"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Total number of engine state transitions by target state",
		}, []string{"state"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hci",
			Subsystem: "engine",
			Name:      "dropped_messages_total",
			Help:      "Total number of inbound messages dropped",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesSent,
			m.MessagesReceived,
			m.SegmentsSent,
			m.ResponseTimeouts,
			m.Rejections,
			m.QueueDepth,
			m.StateTransitions,
			m.Dropped,
		)
	}

	return m
}

func (m *Metrics) messageSent(msgType string, segments int) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
	m.SegmentsSent.Add(float64(segments))
}

func (m *Metrics) messageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.ResponseTimeouts.Inc()
}

func (m *Metrics) rejected(code byte) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(ResponseName(code)).Inc()
}

func (m *Metrics) queueDepth(api, reset int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("api").Set(float64(api))
	m.QueueDepth.WithLabelValues("reset").Set(float64(reset))
}

func (m *Metrics) stateChanged(_, to State) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
