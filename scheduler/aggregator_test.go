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
	"context"
	"math"
	"sync"
	"testing"

	"github.com/9rum/flatflow/communicator"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

// aggregate calls Aggregate on every aggregator concurrently.
func aggregate(aggregators []*Aggregator, epoch int64, loads []float64) ([]Plan, []error) {
	plans := make([]Plan, len(aggregators))
	errs := make([]error, len(aggregators))

	var wg sync.WaitGroup
	for rank, aggregator := range aggregators {
		wg.Add(1)
		go func(rank int, aggregator *Aggregator) {
			defer wg.Done()
			plans[rank], errs[rank] = aggregator.Aggregate(context.Background(), epoch, loads[rank])
		}(rank, aggregator)
	}
	wg.Wait()

	return plans, errs
}

func newAggregators(datasetSize, worldSize int, options ...Options) []*Aggregator {
	group := communicator.NewLocalGroup(worldSize)
	aggregators := make([]*Aggregator, 0, worldSize)
	for len(aggregators) < cap(aggregators) {
		opts := DefaultOptions()
		switch {
		case len(options) == 1:
			opts = options[0]
		case len(aggregators) < len(options):
			opts = options[len(aggregators)]
		}
		aggregators = append(aggregators, NewAggregator(group.Member(len(aggregators)), datasetSize, 1, opts))
	}
	return aggregators
}

func TestAggregator(t *testing.T) {
	Convey("Given two workers with 100 data samples", t, func() {
		aggregators := newAggregators(100, 2)

		Convey("The first epoch should be split evenly", func() {
			for _, aggregator := range aggregators {
				So(aggregator.Plan().Sizes, ShouldResemble, []int{50, 50})
				So(aggregator.Plan().Epoch, ShouldEqual, 1)
			}
		})

		Convey("When both workers report equal loads", func() {
			plans, errs := aggregate(aggregators, 1, []float64{1, 1})

			Convey("Partitions should stay equal", func() {
				for rank := range plans {
					So(errs[rank], ShouldBeNil)
					So(plans[rank].Sizes, ShouldResemble, []int{50, 50})
					So(plans[rank].Epoch, ShouldEqual, 2)
				}
			})

			Convey("When worker 0 reports twice the load of worker 1", func() {
				plans, errs := aggregate(aggregators, 2, []float64{2, 1})

				Convey("Worker 0 should get a third of the data samples", func() {
					for rank := range plans {
						So(errs[rank], ShouldBeNil)
						So(plans[rank].Sizes, ShouldResemble, []int{33, 67})
					}
					So(plans[0].Digest(), ShouldEqual, plans[1].Digest())
					So(aggregators[1].Loads(), ShouldResemble, []float64{2, 1})
				})
			})
		})

		Convey("When a worker skips an epoch", func() {
			_, err := aggregators[0].Aggregate(context.Background(), 2, 1)

			Convey("It should be reported as a desync", func() {
				So(errors.Cause(err), ShouldEqual, communicator.ErrDesync)
			})
		})
	})
}

func TestAggregatorIdenticalPlans(t *testing.T) {
	const (
		datasetSize = 1 << 12
		worldSize   = 5
	)
	aggregators := newAggregators(datasetSize, worldSize, Options{Policy: THROUGHPUT, Epsilon: 1e-9, Granularity: 8})

	for epoch := int64(1); epoch <= 20; epoch++ {
		loads := []float64{0, 1, 2.5, float64(epoch), 1. / float64(epoch)}
		plans, errs := aggregate(aggregators, epoch, loads)
		for rank := range plans {
			require.NoError(t, errs[rank])
			require.Equal(t, plans[0], plans[rank])
			require.NoError(t, plans[rank].Validate(datasetSize, worldSize))
		}
		t.Logf("epoch: %d got: %v", epoch, plans[0].Sizes)
	}
}

func TestAggregatorDivergence(t *testing.T) {
	// the even splits of 100 data samples differ between granularities 1 and 10
	aggregators := newAggregators(100, 3, Options{Granularity: 1}, Options{Granularity: 10}, Options{Granularity: 1})

	_, errs := aggregate(aggregators, 1, []float64{1, 1, 1})
	for _, err := range errs {
		require.Equal(t, ErrDivergence, errors.Cause(err))
	}
}

func TestAggregatorNaNLoad(t *testing.T) {
	aggregators := newAggregators(100, 2)

	plans, errs := aggregate(aggregators, 1, []float64{math.NaN(), 1})
	for rank := range plans {
		require.NoError(t, errs[rank])
		require.Equal(t, []int{50, 50}, plans[rank].Sizes)
	}
}

func TestAggregatorEven(t *testing.T) {
	aggregators := newAggregators(100, 2, Options{Policy: EVEN, Granularity: 1})

	for epoch := int64(1); epoch <= 3; epoch++ {
		plans, errs := aggregate(aggregators, epoch, []float64{2, 1})
		for rank := range plans {
			require.NoError(t, errs[rank])
			require.Equal(t, []int{50, 50}, plans[rank].Sizes)
		}
	}
}
