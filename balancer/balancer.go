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

// Package balancer hooks the load-balanced sampler into the epoch boundaries
// of a training loop.  At the start of an epoch it builds the partition of
// the worker, and at the end it exchanges the load signal with all other
// workers and installs the plan of the next epoch.
package balancer

import (
	"context"

	"github.com/9rum/flatflow/communicator"
	"github.com/9rum/flatflow/internal/data"
	"github.com/9rum/flatflow/internal/metric"
	"github.com/9rum/flatflow/internal/timer"
	"github.com/9rum/flatflow/sampler"
	"github.com/9rum/flatflow/scheduler"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrNotStarted is returned when an epoch is ended before it was started.
var ErrNotStarted = errors.New("epoch has not been started")

// Options configures a balancer.
type Options struct {
	// Phase selects the timer whose total is used as the load signal.
	Phase timer.Phase

	// StartEpoch is the number of the first epoch.
	StartEpoch int64

	Sampler   sampler.Options
	Scheduler scheduler.Options
}

// Balancer drives the sampler and the aggregator of a single worker.
type Balancer struct {
	comm       communicator.Collective
	sampler    sampler.Sampler
	aggregator *scheduler.Aggregator
	phase      timer.Phase
	epoch      int64
	started    bool
}

// New creates a new balancer with the given arguments.  The sampler and the
// aggregator split the first epoch with the same granularity so that every
// worker starts from the same plan.  A static sampler keeps the even split,
// so its aggregator does too.
func New(kind sampler.Kind, comm communicator.Collective, datasetSize int, opts Options) *Balancer {
	if opts.StartEpoch <= 0 {
		opts.StartEpoch = 1
	}
	opts.Sampler.Granularity = opts.Scheduler.Granularity
	if kind == sampler.STATIC {
		opts.Scheduler.Policy = scheduler.EVEN
	}

	return &Balancer{
		comm:       comm,
		sampler:    sampler.New(kind, datasetSize, comm.Rank(), comm.WorldSize(), opts.Sampler),
		aggregator: scheduler.NewAggregator(comm, datasetSize, opts.StartEpoch, opts.Scheduler),
		phase:      opts.Phase,
		epoch:      opts.StartEpoch,
	}
}

// Sampler returns the underlying sampler.
func (b *Balancer) Sampler() sampler.Sampler {
	return b.sampler
}

// Plan returns the plan of the current epoch.
func (b *Balancer) Plan() scheduler.Plan {
	return b.aggregator.Plan()
}

// Epoch returns the number of the current epoch.
func (b *Balancer) Epoch() int64 {
	return b.epoch
}

// OnEpochStart builds the partition of the worker for the given epoch.
func (b *Balancer) OnEpochStart(epoch int64) (sampler.Partition, error) {
	partition, err := b.sampler.Build(epoch)
	if err != nil {
		return sampler.Partition{}, errors.Wrapf(err, "could not build partition of rank %d", b.comm.Rank())
	}
	b.epoch, b.started = epoch, true

	metric.PartitionSize.With(metric.WorkerLabelValues(b.comm.Rank())).Set(float64(partition.Size()))
	glog.V(1).Infof("epoch: %d rank %d partition offset %d size %d", epoch, b.comm.Rank(), partition.Offset, partition.Size())
	return partition, nil
}

// OnEpochEnd reports the load signal of the finished epoch and blocks until
// every worker has reported its own.  The plan computed from the gathered
// loads is applied to the sampler for the next epoch.
func (b *Balancer) OnEpochEnd(ctx context.Context, record timer.Record) error {
	if !b.started {
		return ErrNotStarted
	}
	b.sampler.UpdateLoad(record.Signal(b.phase))

	plan, err := b.aggregator.Aggregate(ctx, b.epoch, b.sampler.StagedLoad())
	if err != nil {
		return err
	}
	if err = b.sampler.Apply(plan); err != nil {
		return err
	}
	b.epoch, b.started = plan.Epoch, false

	loads := b.aggregator.Loads()
	for rank, load := range loads {
		metric.Load.With(metric.WorkerLabelValues(rank)).Set(load)
	}
	if lo.Min(loads) > 0 {
		metric.Imbalance.Set(lo.Max(loads) / lo.Min(loads))
	}
	if b.comm.Rank() == 0 {
		glog.Infof("epoch: %d loads %v next plan %v", plan.Epoch-1, loads, plan.Sizes)
	}
	return nil
}

// Batches returns a loader over the current partition of the worker.
// The last partial batch is dropped.
func (b *Balancer) Batches(dataset data.Dataset, batchSize int) *data.Loader {
	return data.NewLoader(dataset, b.sampler.Iterate(), batchSize)
}
