// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/daviszhen/preagg/pkg/device"
)

// Metrics are process wide counters of all executions. A nil *Metrics
// records nothing.
type Metrics struct {
	tasks        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	fallbackRows prometheus.Counter
	generations  prometheus.Counter
	groupsOut    prometheus.Counter
	deviceMem    prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preagg_tasks_total",
			Help: "Number of finished pre-aggregation tasks by reduction mode.",
		}, []string{"mode"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preagg_task_retries_total",
			Help: "Number of task retries by reason.",
		}, []string{"reason"}),
		fallbackRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "preagg_fallback_rows_total",
			Help: "Number of rows processed by cpu fallback.",
		}),
		generations: factory.NewCounter(prometheus.CounterOpts{
			Name: "preagg_final_buffers_total",
			Help: "Number of final buffer generations finalized.",
		}),
		groupsOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "preagg_groups_out_total",
			Help: "Number of rows published by final buffers.",
		}),
		deviceMem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "preagg_device_memory_bytes",
			Help: "Device memory in use.",
		}),
	}
}

func (m *Metrics) taskDone(mode device.ReductionMode) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) retry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) fallback(rows int) {
	if m == nil {
		return
	}
	m.fallbackRows.Add(float64(rows))
}

func (m *Metrics) finalized(groups int) {
	if m == nil {
		return
	}
	m.generations.Inc()
	m.groupsOut.Add(float64(groups))
}

func (m *Metrics) memUsed(bytes int64) {
	if m == nil {
		return
	}
	m.deviceMem.Set(float64(bytes))
}
