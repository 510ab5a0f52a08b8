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

// Package sampler provides primitives for enumerating the data samples a
// worker consumes in a training epoch.  The static sampler always splits the
// dataset evenly, whereas the dynamic sampler follows the plan computed from
// the loads of all workers in the previous epoch.
package sampler

import (
	"math/rand"

	"github.com/9rum/flatflow/scheduler"
	"github.com/pkg/errors"
)

// Kind selects a sampler implementation.
type Kind int

const (
	STATIC Kind = iota
	DYNAMIC
)

// ErrStalePlan is returned when a partition is built for an epoch other than
// the one the applied plan was computed for.
var ErrStalePlan = errors.New("plan is not for the requested epoch")

// Sampler represents the sampler of a single worker.
// All implementations must embed SamplerBase for forward compatibility.
type Sampler interface {
	// Build computes the partition of the worker for the given epoch.
	// Building the same epoch twice with the same plan yields the same partition.
	Build(epoch int64) (Partition, error)

	// UpdateLoad stages the load signal of the worker for the collective
	// exchange at the end of the epoch.  It does not repartition.
	UpdateLoad(load float64)

	// StagedLoad returns the staged load signal.
	StagedLoad() float64

	// Apply installs the plan of the next epoch.
	Apply(plan scheduler.Plan) error

	// Iterate returns a new iterator over the indices of the current partition.
	Iterate() *Iterator

	// Len returns the size of the current partition.
	Len() int
}

// SamplerBase must be embedded to have forward compatible implementations.
type SamplerBase struct {
}

func (SamplerBase) Build(epoch int64) (_ Partition, _ error) {
	return
}
func (SamplerBase) UpdateLoad(load float64) {}
func (SamplerBase) StagedLoad() (_ float64) {
	return
}
func (SamplerBase) Apply(plan scheduler.Plan) (_ error) {
	return
}
func (SamplerBase) Iterate() *Iterator {
	return new(Iterator)
}
func (SamplerBase) Len() (_ int) {
	return
}

// Options configures a sampler.
type Options struct {
	// Seed is the base seed of the per-epoch permutation.
	Seed int64

	// Shuffle permutes the dataset before it is partitioned.
	Shuffle bool

	// Granularity is the unit the even split is rounded to.
	Granularity int
}

// New creates a new sampler with the given arguments.
func New(kind Kind, datasetSize, rank, worldSize int, opts Options) Sampler {
	switch kind {
	case STATIC:
		return NewStaticSampler(datasetSize, rank, worldSize, opts)
	case DYNAMIC:
		return NewDynamicSampler(datasetSize, rank, worldSize, opts)
	default:
		panic("invalid kind")
	}
}

// StaticSampler splits the dataset evenly across workers in every epoch.
type StaticSampler struct {
	SamplerBase
	datasetSize int
	rank        int
	worldSize   int
	options     Options
	load        float64
	partition   Partition
}

// NewStaticSampler creates a new static sampler with the given arguments.
func NewStaticSampler(datasetSize, rank, worldSize int, opts Options) *StaticSampler {
	if worldSize <= 0 {
		panic("non-positive world size")
	}
	if rank < 0 || worldSize <= rank {
		panic("rank out of range")
	}
	return &StaticSampler{
		datasetSize: datasetSize,
		rank:        rank,
		worldSize:   worldSize,
		options:     opts,
	}
}

// Build assigns the rank its share of an even split.
func (s *StaticSampler) Build(epoch int64) (Partition, error) {
	plan := scheduler.Even(s.datasetSize, s.worldSize, s.options.Granularity)
	plan.Epoch = epoch
	return s.build(plan)
}

// build slices the partition of the rank out of the permutation of the epoch.
func (s *StaticSampler) build(plan scheduler.Plan) (Partition, error) {
	if err := plan.Validate(s.datasetSize, s.worldSize); err != nil {
		return Partition{}, err
	}

	offset, size := plan.Offset(s.rank), plan.Sizes[s.rank]
	indices := make([]int, size)
	if s.options.Shuffle {
		copy(indices, rand.New(rand.NewSource(s.options.Seed+plan.Epoch)).Perm(s.datasetSize)[offset:offset+size])
	} else {
		for i := range indices {
			indices[i] = offset + i
		}
	}

	s.partition = Partition{
		Epoch:   plan.Epoch,
		Rank:    s.rank,
		Offset:  offset,
		Indices: indices,
	}
	return s.partition.clone(), nil
}

func (s *StaticSampler) UpdateLoad(load float64) {
	s.load = load
}

func (s *StaticSampler) StagedLoad() float64 {
	return s.load
}

// Apply ignores the given plan; the static sampler always splits evenly.
func (s *StaticSampler) Apply(plan scheduler.Plan) error {
	return nil
}

func (s *StaticSampler) Iterate() *Iterator {
	return &Iterator{indices: s.partition.Indices}
}

func (s *StaticSampler) Len() int {
	return s.partition.Size()
}

// DynamicSampler adjusts the partition of the worker in every epoch according
// to the plan computed from the loads of all workers, which can be useful in
// heterogeneous clusters where the workers have different compute capabilities.
type DynamicSampler struct {
	*StaticSampler
	plan scheduler.Plan
}

// NewDynamicSampler creates a new dynamic sampler with the given arguments.
// Until a plan is applied, it splits the dataset evenly.
func NewDynamicSampler(datasetSize, rank, worldSize int, opts Options) *DynamicSampler {
	return &DynamicSampler{
		StaticSampler: NewStaticSampler(datasetSize, rank, worldSize, opts),
	}
}

// Build assigns the rank its partition in the applied plan.
func (s *DynamicSampler) Build(epoch int64) (Partition, error) {
	if s.plan.Sizes == nil {
		return s.StaticSampler.Build(epoch)
	}
	if s.plan.Epoch != epoch {
		return Partition{}, errors.Wrapf(ErrStalePlan, "plan for epoch %d, requested epoch %d", s.plan.Epoch, epoch)
	}
	return s.build(s.plan)
}

// Apply installs the plan of the next epoch.
func (s *DynamicSampler) Apply(plan scheduler.Plan) error {
	if err := plan.Validate(s.datasetSize, s.worldSize); err != nil {
		return err
	}
	s.plan = plan.Clone()
	return nil
}

// Partition represents the data samples assigned to a worker for an epoch.
type Partition struct {
	Epoch   int64
	Rank    int
	Offset  int
	Indices []int
}

// Size returns the number of data samples in the partition.
func (p Partition) Size() int {
	return len(p.Indices)
}

func (p Partition) clone() Partition {
	p.Indices = append([]int(nil), p.Indices...)
	return p
}

// Iterator yields the indices of a partition.  It is finite and not
// restartable; a new iterator is created for each pass.
type Iterator struct {
	indices []int
	pos     int
}

// Next returns the next index, or false once the partition is exhausted.
func (it *Iterator) Next() (int, bool) {
	if len(it.indices) <= it.pos {
		return 0, false
	}
	it.pos++
	return it.indices[it.pos-1], true
}

// Len returns the number of remaining indices.
func (it *Iterator) Len() int {
	return len(it.indices) - it.pos
}
