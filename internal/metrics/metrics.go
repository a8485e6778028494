/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics holds the prometheus collectors exported by the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remote_node"

// Label values for the direction label.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics groups every collector. The zero value is not usable; use New.
// Collectors work unregistered, so a Metrics that is never registered is a
// cheap sink.
type Metrics struct {
	Messages         *prometheus.CounterVec
	Wakeups          *prometheus.CounterVec
	ChannelFaults    prometheus.Counter
	TransportsActive prometheus.Gauge
	Transports       prometheus.Counter
	BuffersImported  prometheus.Counter
	ImportFailures   prometheus.Counter
	Commands         *prometheus.CounterVec
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Notification channel messages by type and direction.",
		}, []string{"type", "direction"}),
		Wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Wakeup counter writes and reads on the notification channel.",
		}, []string{"direction"}),
		ChannelFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_faults_total",
			Help:      "Notification channel errors and hangups that tore down a transport.",
		}),
		TransportsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transports_active",
			Help:      "Transports currently live.",
		}),
		Transports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transports_created_total",
			Help:      "Transports created.",
		}),
		BuffersImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffers_imported_total",
			Help:      "Buffers imported from the remote side.",
		}),
		ImportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_import_failures_total",
			Help:      "Buffer-set installations aborted.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Node commands received, by command and result.",
		}, []string{"command", "result"}),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Messages,
		m.Wakeups,
		m.ChannelFaults,
		m.TransportsActive,
		m.Transports,
		m.BuffersImported,
		m.ImportFailures,
		m.Commands,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
