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

// Package scheduler provides primitives for deciding how many data samples
// each worker consumes in a training epoch.  In addition to the even split
// used in the first epoch, it supports a feedback-directed rebalancing that
// shrinks the partitions of workers that took longer in the previous epoch.
package scheduler

import (
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/segmentio/fasthash/fnv1a"
)

// ErrPartitionMismatch is returned when the partitions of a plan do not cover
// the dataset exactly once.  It indicates a bug in the rebalance arithmetic
// and is fatal to the training job.
var ErrPartitionMismatch = errors.New("partitions do not cover the dataset exactly once")

// Plan represents the partition sizes of all workers for a training epoch.
// Partitions are laid out in rank order; the partition of rank r starts
// right after the partition of rank r-1.
type Plan struct {
	Epoch int64 `json:"epoch"`
	Sizes []int `json:"sizes"`
}

// Even splits the dataset evenly across workers.  Each partition size is
// rounded down to a multiple of granularity, and the remainder is assigned
// to the lowest rank.
func Even(datasetSize, worldSize, granularity int) Plan {
	if worldSize <= 0 {
		panic("non-positive world size")
	}
	if granularity <= 0 {
		granularity = 1
	}
	base := datasetSize / worldSize / granularity * granularity
	sizes := make([]int, worldSize)
	for rank := range sizes {
		sizes[rank] = base
	}
	sizes[0] += datasetSize - base*worldSize
	return Plan{Sizes: sizes}
}

// Total returns the number of data samples covered by the plan.
func (p Plan) Total() int {
	return lo.Sum(p.Sizes)
}

// Offsets returns the index of the first data sample of each partition.
func (p Plan) Offsets() []int {
	offsets := make([]int, len(p.Sizes))
	for rank := 1; rank < len(p.Sizes); rank++ {
		offsets[rank] = offsets[rank-1] + p.Sizes[rank-1]
	}
	return offsets
}

// Offset returns the index of the first data sample of the given rank.
func (p Plan) Offset(rank int) (offset int) {
	for _, size := range p.Sizes[:rank] {
		offset += size
	}
	return
}

// Validate checks that the plan partitions a dataset of the given size
// across the given number of workers exactly once.
func (p Plan) Validate(datasetSize, worldSize int) error {
	var result *multierror.Error
	if len(p.Sizes) != worldSize {
		result = multierror.Append(result, errors.Errorf("%d partitions for world size %d", len(p.Sizes), worldSize))
	}
	for rank, size := range p.Sizes {
		if size < 0 {
			result = multierror.Append(result, errors.Errorf("negative partition size %d for rank %d", size, rank))
		}
	}
	if total := p.Total(); total != datasetSize {
		result = multierror.Append(result, errors.Errorf("partitions cover %d of %d data samples", total, datasetSize))
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrapf(ErrPartitionMismatch, "epoch %d: %v", p.Epoch, err)
	}
	return nil
}

// Digest returns a fingerprint of the plan.  Workers compare digests to
// detect diverging plans.
func (p Plan) Digest() uint64 {
	h := fnv1a.AddUint64(fnv1a.Init64, uint64(p.Epoch))
	for _, size := range p.Sizes {
		h = fnv1a.AddUint64(h, uint64(size))
	}
	return h
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	return Plan{
		Epoch: p.Epoch,
		Sizes: append([]int(nil), p.Sizes...),
	}
}

// Rebalance computes the plan of the next epoch from the given plan and the
// loads all workers reported for it, ordered by rank.  Each worker is assigned
// a share of the dataset proportional to its policy weight, rounded to the
// nearest multiple of granularity; the rounding remainder is settled on the
// lowest ranks.  A NaN load is replaced with the mean of the other loads.
func Rebalance(prev Plan, loads []float64, datasetSize int, options Options) Plan {
	granularity := options.Granularity
	if granularity <= 0 {
		granularity = 1
	}
	if options.Policy == EVEN {
		plan := Even(datasetSize, len(loads), granularity)
		plan.Epoch = prev.Epoch + 1
		return plan
	}

	weights := options.Policy.weights(prev.Sizes, fillMissing(loads), options.Epsilon, granularity)
	total := 0.
	for _, weight := range weights {
		total += weight
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		plan := Even(datasetSize, len(loads), granularity)
		plan.Epoch = prev.Epoch + 1
		return plan
	}

	sizes := make([]int, len(weights))
	for rank, weight := range weights {
		// the explicit conversions keep the arithmetic free of fused
		// multiply-adds so that every worker rounds the same way
		share := float64(float64(datasetSize)*weight) / total
		sizes[rank] = int(math.Round(float64(share/float64(granularity)))) * granularity
	}
	settle(sizes, datasetSize)

	return Plan{
		Epoch: prev.Epoch + 1,
		Sizes: sizes,
	}
}

// settle adjusts the given sizes so that they sum to datasetSize.  A positive
// remainder is assigned to rank 0; an excess is taken from the lowest ranks.
func settle(sizes []int, datasetSize int) {
	remainder := datasetSize - lo.Sum(sizes)
	if 0 <= remainder {
		sizes[0] += remainder
		return
	}
	for rank := range sizes {
		take := min(sizes[rank], -remainder)
		sizes[rank] -= take
		remainder += take
		if remainder == 0 {
			return
		}
	}
}
