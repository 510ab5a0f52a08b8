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

// The communicator package implements the collective operations through which
// workers exchange their load records.  The primitives are based on the syntax
// of the Message Passing Interface (MPI); every worker in the group must call
// AllGather once per training epoch with the same epoch number, and the call
// blocks until all workers have contributed their records.  There is no
// timeout other than the one carried by the given context.
package communicator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrDesync is returned when the workers disagree on the epoch or rank of a
	// collective call.  It is fatal to the training job.
	ErrDesync = errors.New("collective desync")

	// ErrBroken is returned by every call after a collective round has been
	// abandoned, e.g., by a cancelled participant.
	ErrBroken = errors.New("collective is broken")

	// ErrClosed is returned by calls on a closed collective.
	ErrClosed = errors.New("collective is closed")
)

// Record is the load record a worker contributes to a collective round.
type Record struct {
	// Rank identifies the contributing worker.
	Rank int `json:"rank"`

	// Epoch is the epoch the record was measured in.
	Epoch int64 `json:"epoch"`

	// Load is the measured time cost of the epoch, in seconds.
	Load float64 `json:"load"`

	// Digest fingerprints the partition plan the worker trained the epoch with.
	Digest uint64 `json:"digest"`
}

// Collective represents a fixed group of workers that can exchange records.
type Collective interface {
	// Rank returns the rank of the calling worker in the group.
	Rank() int

	// WorldSize returns the number of workers in the group.
	WorldSize() int

	// AllGather contributes the given record and blocks until every worker in
	// the group has contributed.  It returns the records of all workers ordered
	// by rank.
	AllGather(ctx context.Context, record Record) ([]Record, error)

	// Close releases the resources held by the collective.
	Close() error
}

// result is delivered to each participant of a round.
type result struct {
	records []Record
	err     error
}

// rendezvous is a reusable barrier that gathers one record per rank.  The
// last worker to arrive fans the gathered records out to every participant.
type rendezvous struct {
	mu      sync.Mutex
	epoch   int64
	records []Record
	arrived []bool
	count   int
	fanout  []chan result
	err     error
	rounds  *atomic.Int64
}

// newRendezvous creates a new rendezvous for the given number of workers.
func newRendezvous(worldSize int) *rendezvous {
	fanout := make([]chan result, 0, worldSize)
	for len(fanout) < cap(fanout) {
		fanout = append(fanout, make(chan result, 1))
	}
	return &rendezvous{
		records: make([]Record, worldSize),
		arrived: make([]bool, worldSize),
		fanout:  fanout,
		rounds:  atomic.NewInt64(0),
	}
}

// join contributes the given record to the current round and waits for the
// round to complete.
func (r *rendezvous) join(ctx context.Context, record Record) ([]Record, error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, r.err
	}

	if record.Rank < 0 || len(r.fanout) <= record.Rank {
		err := errors.Wrapf(ErrDesync, "rank %d out of range [0, %d)", record.Rank, len(r.fanout))
		r.breakLocked(err)
		r.mu.Unlock()
		return nil, err
	}
	if r.arrived[record.Rank] {
		err := errors.Wrapf(ErrDesync, "rank %d joined epoch %d twice", record.Rank, r.epoch)
		r.breakLocked(err)
		r.mu.Unlock()
		return nil, err
	}
	if r.count == 0 {
		r.epoch = record.Epoch
	} else if record.Epoch != r.epoch {
		err := errors.Wrapf(ErrDesync, "rank %d joined epoch %d while epoch %d is in progress", record.Rank, record.Epoch, r.epoch)
		r.breakLocked(err)
		r.mu.Unlock()
		return nil, err
	}

	r.records[record.Rank] = record
	r.arrived[record.Rank] = true
	r.count++
	wait := r.fanout[record.Rank]

	if r.count == len(r.fanout) {
		for rank, ch := range r.fanout {
			records := make([]Record, len(r.records))
			copy(records, r.records)
			ch <- result{records: records}
			r.arrived[rank] = false
		}
		r.count = 0
		r.rounds.Inc()
	}
	r.mu.Unlock()

	select {
	case res := <-wait:
		return res.records, res.err
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// the round may have completed concurrently with the cancellation
	select {
	case res := <-wait:
		return res.records, res.err
	default:
	}
	r.breakLocked(errors.Wrapf(ErrBroken, "rank %d left epoch %d: %v", record.Rank, record.Epoch, ctx.Err()))
	return nil, ctx.Err()
}

// breakLocked abandons the current round and fails all future ones.
// The caller must hold the lock.
func (r *rendezvous) breakLocked(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	for rank, arrived := range r.arrived {
		if arrived {
			r.fanout[rank] <- result{err: err}
			r.arrived[rank] = false
		}
	}
	r.count = 0
}

// close fails the current round and all future ones with ErrClosed.
func (r *rendezvous) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLocked(ErrClosed)
}

// Rounds returns the number of completed rounds.
func (r *rendezvous) Rounds() int64 {
	return r.rounds.Load()
}
