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

package communicator

import (
	"context"
	"fmt"

	"github.com/9rum/flatflow/coordinator"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// kvGroup implements Collective on a shared key-value store.  Each worker
// puts its record under the prefix of the job and the epoch and watches the
// prefix until the records of all workers are present.
type kvGroup struct {
	kv        coordinator.KV
	job       string
	rank      int
	worldSize int
}

// NewKVGroup creates a new collective for the given rank of the given job on
// the given store.  The job identifies a single run; the records of the last
// round of a run stay in the store, so reusing a job on the same store is
// reported as ErrDesync.
func NewKVGroup(kv coordinator.KV, job string, rank, worldSize int) Collective {
	if job == "" {
		panic("empty job")
	}
	if worldSize <= 0 {
		panic("non-positive world size")
	}
	if rank < 0 || worldSize <= rank {
		panic("rank out of range")
	}
	return &kvGroup{
		kv:        kv,
		job:       job,
		rank:      rank,
		worldSize: worldSize,
	}
}

// roundPrefix returns the key prefix of the round of the given job and epoch.
func roundPrefix(job string, epoch int64) string {
	return fmt.Sprintf("jobs/%s/rounds/%020d/", job, epoch)
}

func (g *kvGroup) Rank() int {
	return g.rank
}

func (g *kvGroup) WorldSize() int {
	return g.worldSize
}

func (g *kvGroup) AllGather(ctx context.Context, record Record) ([]Record, error) {
	record.Rank = g.rank
	prefix := roundPrefix(g.job, record.Epoch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before contributing so that no record is missed
	events := g.kv.Watch(ctx, prefix)
	defer func() {
		cancel()
		for range events {
		}
	}()

	if err := g.kv.Create(ctx, fmt.Sprintf("%s%06d", prefix, g.rank), record); err != nil {
		if err == coordinator.ErrAlreadyExists {
			return nil, errors.Wrapf(ErrDesync, "record of rank %d for epoch %d already exists in job %s", g.rank, record.Epoch, g.job)
		}
		return nil, errors.Wrapf(err, "could not put record of epoch %d", record.Epoch)
	}

	records := make([]Record, g.worldSize)
	arrived := make([]bool, g.worldSize)
	count := 0
	add := func(item coordinator.RawItem) error {
		var r Record
		if err := item.Unmarshal(&r); err != nil {
			return errors.Wrapf(err, "could not unmarshal %s", item.Key)
		}
		if r.Epoch != record.Epoch {
			return errors.Wrapf(ErrDesync, "record of epoch %d found under %s", r.Epoch, item.Key)
		}
		if r.Rank < 0 || g.worldSize <= r.Rank {
			return errors.Wrapf(ErrDesync, "rank %d out of range [0, %d)", r.Rank, g.worldSize)
		}
		if !arrived[r.Rank] {
			arrived[r.Rank] = true
			count++
		}
		records[r.Rank] = r
		return nil
	}

	items, err := g.kv.Scan(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "could not scan round of epoch %d", record.Epoch)
	}
	for _, item := range items {
		if err = add(item); err != nil {
			return nil, err
		}
	}

	for count < g.worldSize {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, errors.Wrapf(ErrBroken, "watch on epoch %d closed", record.Epoch)
			}
			if ev.Type != coordinator.PutEvent {
				continue
			}
			if err = add(ev.Item); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// every worker has left the previous round once it contributes to this one
	if g.rank == 0 {
		if _, err = g.kv.Delete(ctx, roundPrefix(g.job, record.Epoch-1)); err != nil {
			glog.Warningf("could not clean up round of epoch %d: %v", record.Epoch-1, err)
		}
	}

	return records, nil
}

// Close closes the underlying store.
func (g *kvGroup) Close() error {
	return g.kv.Close()
}
