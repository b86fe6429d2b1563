// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Hub's Prometheus gauges. Registered against the
// default registry so they show up on the process's /metrics endpoint.
// The graph executor's counters are OpenTelemetry instruments and are not
// part of this registry.
type metrics struct {
	activeRooms prometheus.Gauge
	activePeers prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of rooms currently holding at least one peer.",
		}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_peers",
			Help: "Number of connected peers across all rooms.",
		}),
	}
	// Registering twice (e.g. in tests that construct multiple Hubs) would
	// panic on the default registry; ignore the AlreadyRegisteredError and
	// reuse the existing collector's values via the returned gauge.
	if err := prometheus.Register(m.activeRooms); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.activeRooms = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	if err := prometheus.Register(m.activePeers); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.activePeers = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return m
}

func (m *metrics) setPeerCount(rooms, peers int) {
	m.activeRooms.Set(float64(rooms))
	m.activePeers.Set(float64(peers))
}
