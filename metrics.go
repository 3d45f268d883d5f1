// Copyright 2025 Antfly, Inc.
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

package catseq

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "catseq",
			Name:      "forward_ops_total",
			Help:      "The total number of decode forward passes.",
		},
		[]string{"status"},
	)

	decodeStepOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "catseq",
			Name:      "decode_step_ops_total",
			Help:      "The total number of decoder steps executed.",
		},
	)

	batchItemOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "catseq",
			Name:      "batch_item_ops_total",
			Help:      "The total number of batch items decoded.",
		},
	)

	forwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "catseq",
			Name:      "forward_duration_seconds",
			Help:      "Time taken to run a decode forward pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(forwardOps)
	prometheus.MustRegister(decodeStepOps)
	prometheus.MustRegister(batchItemOps)
	prometheus.MustRegister(forwardDuration)
}

// RecordForward increments the forward pass counter
func RecordForward(status string) {
	forwardOps.WithLabelValues(status).Inc()
}

// RecordDecodeSteps records the number of decoder steps executed
func RecordDecodeSteps(count int) {
	decodeStepOps.Add(float64(count))
}

// RecordBatchItems records the number of batch items decoded
func RecordBatchItems(count int) {
	batchItemOps.Add(float64(count))
}

// RecordForwardDuration records how long a forward pass took
func RecordForwardDuration(seconds float64) {
	forwardDuration.Observe(seconds)
}
