// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the transition engine's action counters in
// Prometheus exposition format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

// Metrics holds the collectors registered against a single registry.
type Metrics struct {
	ActionsEnqueued *prometheus.CounterVec
	ActionsFailed   *prometheus.CounterVec
	ActionsOK       *prometheus.CounterVec
}

// New registers and returns the metric collectors using the default
// Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers against a caller-supplied registerer, mainly so
// tests can use a private registry instead of the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "network_monitor_actions_enqueued_total",
				Help: "Total number of transition engine actions enqueued, by action kind.",
			},
			[]string{"action"},
		),
		ActionsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "network_monitor_actions_failed_total",
				Help: "Total number of transition engine actions that returned an error, by action kind.",
			},
			[]string{"action"},
		),
		ActionsOK: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "network_monitor_actions_completed_total",
				Help: "Total number of transition engine actions that completed without error, by action kind.",
			},
			[]string{"action"},
		),
	}
	registerer.MustRegister(m.ActionsEnqueued, m.ActionsFailed, m.ActionsOK)
	return m
}

var _ transition.Recorder = (*Metrics)(nil)

// Enqueued implements transition.Recorder.
func (m *Metrics) Enqueued(action transition.Action) {
	m.ActionsEnqueued.WithLabelValues(action.String()).Inc()
}

// Completed implements transition.Recorder.
func (m *Metrics) Completed(action transition.Action) {
	m.ActionsOK.WithLabelValues(action.String()).Inc()
}

// Failed implements transition.Recorder.
func (m *Metrics) Failed(action transition.Action) {
	m.ActionsFailed.WithLabelValues(action.String()).Inc()
}
