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

// Package trainer provides a data-parallel training loop driven by the load
// balancer.  Each step is timed per phase and the collected totals feed the
// rebalancing at the end of every epoch.
package trainer

import (
	"context"
	"time"

	"github.com/9rum/flatflow/balancer"
	"github.com/9rum/flatflow/internal/data"
	"github.com/9rum/flatflow/internal/timer"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// EpochSummary holds the results of a training epoch.
type EpochSummary struct {
	Epoch         int64
	PartitionSize int
	TrainLoss     float64
	TrainAccuracy float64
	TestLoss      float64
	TestAccuracy  float64
	TrainTime     time.Duration
	EpochTime     time.Duration
	Timings       timer.Record
}

// Trainer trains a model on the partitions assigned by the balancer.
type Trainer struct {
	model     Model
	balancer  *balancer.Balancer
	train     data.Dataset
	test      data.Dataset
	batchSize int
	collector *timer.Collector
}

// New creates a new trainer with the given arguments.  The test dataset is
// optional and evaluated after every epoch when given.
func New(model Model, b *balancer.Balancer, train, test data.Dataset, batchSize int) *Trainer {
	if batchSize <= 0 {
		panic("non-positive batch size")
	}
	return &Trainer{
		model:     model,
		balancer:  b,
		train:     train,
		test:      test,
		batchSize: batchSize,
		collector: timer.New(),
	}
}

// Fit trains the model for the given number of epochs and returns the
// summary of each epoch.  Every worker must call Fit with the same number of
// epochs since each epoch ends with a collective exchange.
func (t *Trainer) Fit(ctx context.Context, epochs int) ([]EpochSummary, error) {
	summaries := make([]EpochSummary, 0, epochs)
	for len(summaries) < cap(summaries) {
		summary, err := t.runEpoch(ctx, t.balancer.Epoch())
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)

		glog.Infof("Epoch: %d/%d, train loss: %.4f, train acc: %.2f%%, test loss: %.4f, test acc: %.2f%%, epoch time: %v",
			summary.Epoch, epochs, summary.TrainLoss, summary.TrainAccuracy*100, summary.TestLoss, summary.TestAccuracy*100, summary.EpochTime)
	}
	return summaries, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int64) (EpochSummary, error) {
	begin := time.Now()
	partition, err := t.balancer.OnEpochStart(epoch)
	if err != nil {
		return EpochSummary{}, err
	}
	t.collector.Reset()

	loss, acc, err := t.trainEpoch(ctx)
	if err != nil {
		return EpochSummary{}, errors.Wrapf(err, "epoch %d", epoch)
	}
	record := t.collector.Snapshot()
	summary := EpochSummary{
		Epoch:         epoch,
		PartitionSize: partition.Size(),
		TrainLoss:     loss.Value(),
		TrainAccuracy: acc.Value(),
		TrainTime:     time.Since(begin),
		Timings:       record,
	}
	glog.V(1).Infof("epoch: %d steps: %d %s", epoch, record.Steps, record)

	if t.test != nil {
		loss, acc := Evaluate(t.model, t.test, t.batchSize)
		summary.TestLoss, summary.TestAccuracy = loss.Value(), acc.Value()
	}

	if err = t.balancer.OnEpochEnd(ctx, record); err != nil {
		return EpochSummary{}, err
	}
	summary.EpochTime = time.Since(begin)
	return summary, nil
}

// trainEpoch runs a training step on each mini-batch of the current
// partition, timing every phase of the step.
func (t *Trainer) trainEpoch(ctx context.Context) (*Average, *Accuracy, error) {
	loss, acc := new(Average), new(Accuracy)
	loader := t.balancer.Batches(t.train, t.batchSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		stop := t.collector.Start(timer.LOAD)
		batch, ok := loader.Next()
		stop()
		if !ok {
			return loss, acc, nil
		}

		stop = t.collector.Start(timer.FORWARD)
		logits := t.model.Forward(batch.Features)
		stop()

		stop = t.collector.Start(timer.LOSS)
		value := t.model.Loss(logits, batch.Labels)
		stop()

		stop = t.collector.Start(timer.BACKWARD)
		t.model.Backward()
		stop()

		stop = t.collector.Start(timer.OPTIMIZER)
		t.model.Step()
		stop()

		stop = t.collector.Start(timer.UPDATE)
		loss.Update(value, batch.Len())
		acc.Update(logits, batch.Labels)
		stop()

		t.collector.Step()
	}
}

// Evaluate computes the mean loss and the accuracy of the model over the
// full mini-batches of the dataset without updating it.  The last partial
// batch is dropped as in training.
func Evaluate(model Model, dataset data.Dataset, batchSize int) (*Average, *Accuracy) {
	loss, acc := new(Average), new(Accuracy)
	if batchSize <= 0 {
		batchSize = dataset.Len()
	}
	if batchSize <= 0 {
		return loss, acc
	}

	loader := data.NewLoader(dataset, data.Range(dataset.Len()), batchSize)
	for batch, ok := loader.Next(); ok; batch, ok = loader.Next() {
		logits := model.Forward(batch.Features)
		loss.Update(model.Loss(logits, batch.Labels), batch.Len())
		acc.Update(logits, batch.Labels)
	}
	return loss, acc
}
