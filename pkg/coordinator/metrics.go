// Copyright 2024 The fpga-coordinator Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the coordinator's Prometheus instrumentation.
type Metrics struct {
	loadsTotal        prometheus.Counter
	loadFailuresTotal prometheus.Counter
	liveContexts      prometheus.Gauge
	cuContexts        prometheus.Gauge
	orphanedCommands  prometheus.Gauge
	commandsSubmitted prometheus.Counter
	commandsCompleted prometheus.Counter
}

// NewMetrics creates coordinator metrics and registers them with reg. A nil
// registerer leaves the collectors unregistered, which unit tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fpga_coordinator",
			Name:      "bitstream_loads_total",
			Help:      "Total number of successful bitstream loads.",
		}),
		loadFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fpga_coordinator",
			Name:      "bitstream_load_failures_total",
			Help:      "Total number of failed bitstream loads.",
		}),
		liveContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fpga_coordinator",
			Name:      "hardware_contexts",
			Help:      "Number of live hardware contexts.",
		}),
		cuContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fpga_coordinator",
			Name:      "cu_contexts",
			Help:      "Number of open CU contexts.",
		}),
		orphanedCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fpga_coordinator",
			Name:      "orphaned_commands",
			Help:      "Commands still outstanding for already destroyed contexts.",
		}),
		commandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fpga_coordinator",
			Name:      "commands_submitted_total",
			Help:      "Total number of commands forwarded to the scheduler.",
		}),
		commandsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fpga_coordinator",
			Name:      "commands_completed_total",
			Help:      "Total number of command completions reported back.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.loadsTotal, m.loadFailuresTotal, m.liveContexts,
			m.cuContexts, m.orphanedCommands, m.commandsSubmitted, m.commandsCompleted)
	}

	return m
}
