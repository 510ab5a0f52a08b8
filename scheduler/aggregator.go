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

	"github.com/9rum/flatflow/communicator"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrDivergence is returned when workers trained an epoch with different
// plans.  It is fatal to the training job.
var ErrDivergence = errors.New("plans diverged across workers")

// Aggregator gathers the load of every worker at the end of each epoch and
// computes the plan of the next epoch.  Every worker owns an aggregator and
// computes the same plan from the same gathered loads.
type Aggregator struct {
	comm        communicator.Collective
	datasetSize int
	options     Options
	plan        Plan
	loads       []float64
}

// NewAggregator creates a new aggregator with the given arguments.  The plan
// of the given start epoch splits the dataset evenly.
func NewAggregator(comm communicator.Collective, datasetSize int, startEpoch int64, options Options) *Aggregator {
	plan := Even(datasetSize, comm.WorldSize(), options.Granularity)
	plan.Epoch = startEpoch
	return &Aggregator{
		comm:        comm,
		datasetSize: datasetSize,
		options:     options,
		plan:        plan,
	}
}

// Plan returns the plan of the current epoch.
func (a *Aggregator) Plan() Plan {
	return a.plan.Clone()
}

// Loads returns the loads gathered in the last epoch, ordered by rank.
func (a *Aggregator) Loads() []float64 {
	return append([]float64(nil), a.loads...)
}

// Aggregate contributes the given local load of the given epoch and blocks
// until every worker has contributed its load.  It returns the plan of the
// next epoch.  This must be called by every worker once per epoch.
func (a *Aggregator) Aggregate(ctx context.Context, epoch int64, load float64) (Plan, error) {
	if epoch != a.plan.Epoch {
		return Plan{}, errors.Wrapf(communicator.ErrDesync, "aggregate called for epoch %d while the plan is for epoch %d", epoch, a.plan.Epoch)
	}
	digest := a.plan.Digest()

	records, err := a.comm.AllGather(ctx, communicator.Record{
		Rank:   a.comm.Rank(),
		Epoch:  epoch,
		Load:   load,
		Digest: digest,
	})
	if err != nil {
		return Plan{}, errors.Wrapf(err, "could not gather loads of epoch %d", epoch)
	}

	if len(records) != a.comm.WorldSize() {
		return Plan{}, errors.Wrapf(communicator.ErrDesync, "gathered %d records for world size %d", len(records), a.comm.WorldSize())
	}
	for rank, record := range records {
		if record.Rank != rank || record.Epoch != epoch {
			return Plan{}, errors.Wrapf(communicator.ErrDesync, "gathered record of rank %d epoch %d at rank %d epoch %d", record.Rank, record.Epoch, rank, epoch)
		}
		if record.Digest != digest {
			return Plan{}, errors.Wrapf(ErrDivergence, "rank %d trained epoch %d with plan %x instead of %x", rank, epoch, record.Digest, digest)
		}
		if math.IsNaN(record.Load) {
			glog.Warningf("epoch: %d rank %d reported NaN load, using the mean of the other loads", epoch, rank)
		} else if !(0 < record.Load) {
			glog.Warningf("epoch: %d rank %d reported non-positive load %f", epoch, rank, record.Load)
		}
	}

	loads := lo.Map(records, func(record communicator.Record, _ int) float64 {
		return record.Load
	})
	plan := Rebalance(a.plan, loads, a.datasetSize, a.options)
	if err = plan.Validate(a.datasetSize, a.comm.WorldSize()); err != nil {
		return Plan{}, err
	}

	a.plan, a.loads = plan, loads
	return plan.Clone(), nil
}
