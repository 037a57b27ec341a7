// Copyright 2026 The gVisor Authors.
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

package fifo

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gvisor.dev/hififo/pkg/abi/hififo"
)

// metrics are the per-direction counters of a device.
type metrics struct {
	reserves *prometheus.CounterVec
	short    *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	labels := []string{"channel", "direction"}
	return &metrics{
		reserves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hififo",
			Name:      "reserves_total",
			Help:      "Number of reserve requests.",
		}, labels),
		short: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hififo",
			Name:      "short_reserves_total",
			Help:      "Number of reserve requests that timed out with less than requested.",
		}, labels),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hififo",
			Name:      "committed_bytes_total",
			Help:      "Number of bytes committed.",
		}, labels),
	}
}

func (m *metrics) reserved(channel int, dir hififo.Direction, want, got uint64) {
	c, d := strconv.Itoa(channel), dir.String()
	m.reserves.WithLabelValues(c, d).Inc()
	if got < want {
		m.short.WithLabelValues(c, d).Inc()
	}
}

func (m *metrics) committed(channel int, dir hififo.Direction, n uint64) {
	m.bytes.WithLabelValues(strconv.Itoa(channel), dir.String()).Add(float64(n))
}
