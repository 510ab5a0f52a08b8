// Copyright 2022 Sogang University
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

// Package metric exposes the state of the load balancer as Prometheus metrics.
package metric

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerLabels are vector definitions for worker-level metrics.
var WorkerLabels = []string{"rank"}

var (
	Load = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flatflow_load_seconds",
			Help: "The load signal reported by each worker in the last epoch",
		},
		WorkerLabels,
	)

	PartitionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flatflow_partition_size",
			Help: "The number of data samples assigned to each worker in the current epoch",
		},
		WorkerLabels,
	)

	Imbalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flatflow_load_imbalance_ratio",
			Help: "The ratio of the largest to the smallest load in the last epoch",
		},
	)

	Rounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flatflow_collective_rounds_total",
			Help: "The number of completed collective rounds",
		},
	)
)

// WorkerLabelValues returns the label values for worker-level metrics.
func WorkerLabelValues(rank int) prometheus.Labels {
	return prometheus.Labels{
		"rank": strconv.Itoa(rank),
	}
}

// Serve serves the metrics at /metrics on the given address.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
