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

package scheduler

import (
	"fmt"
	"math"
	"strings"

	"github.com/creasty/defaults"
)

// Policy determines the weight of each worker when rebalancing.
type Policy int

const (
	// INVERSE weighs each worker by the inverse of its load.
	INVERSE Policy = iota

	// THROUGHPUT weighs each worker by the number of data samples it
	// processed per second in the previous epoch.  It coincides with INVERSE
	// when the previous partitions are equal, but keeps a balanced plan
	// stable instead of swinging back.
	THROUGHPUT

	// EVEN ignores the loads and splits the dataset evenly in every epoch.
	EVEN
)

func (p Policy) String() string {
	switch p {
	case INVERSE:
		return "inverse"
	case THROUGHPUT:
		return "throughput"
	case EVEN:
		return "even"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "inverse":
		return INVERSE, nil
	case "throughput":
		return THROUGHPUT, nil
	case "even":
		return EVEN, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", name)
	}
}

// weights returns the weight of each worker.  Loads that are not positive
// are clamped to epsilon.  Loads must not be NaN.
func (p Policy) weights(sizes []int, loads []float64, epsilon float64, granularity int) []float64 {
	if epsilon <= 0 {
		epsilon = defaultEpsilon
	}
	weights := make([]float64, len(loads))
	for rank, load := range loads {
		load = clamp(load, epsilon)
		switch p {
		case THROUGHPUT:
			size := granularity
			if rank < len(sizes) && granularity < sizes[rank] {
				size = sizes[rank]
			}
			weights[rank] = float64(size) / load
		case EVEN:
			weights[rank] = 1
		default:
			weights[rank] = 1 / load
		}
	}
	return weights
}

const defaultEpsilon = 1e-9

// clamp returns load, or epsilon if load is less than epsilon.
func clamp(load, epsilon float64) float64 {
	if !(epsilon < load) {
		return epsilon
	}
	return load
}

// fillMissing replaces NaN loads with the mean of the other loads, summed in
// rank order.  If every load is NaN, every load is replaced with 1.
func fillMissing(loads []float64) []float64 {
	sum, count := 0., 0
	for _, load := range loads {
		if !math.IsNaN(load) {
			sum += load
			count++
		}
	}
	if count == len(loads) {
		return loads
	}
	mean := 1.
	if 0 < count {
		mean = sum / float64(count)
	}

	filled := make([]float64, len(loads))
	for rank, load := range loads {
		if math.IsNaN(load) {
			load = mean
		}
		filled[rank] = load
	}
	return filled
}

// Options configures rebalancing.
type Options struct {
	// Policy determines the weight of each worker.
	Policy Policy

	// Epsilon is the smallest load a worker may report; smaller loads are
	// clamped to it.
	Epsilon float64 `default:"1e-9"`

	// Granularity is the unit partition sizes are rounded to, e.g., 1 for
	// item granularity or the batch size to preserve batching granularity.
	Granularity int `default:"1"`
}

// DefaultOptions returns the default rebalancing options.
func DefaultOptions() (o Options) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}
