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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// allGather calls AllGather on every collective concurrently and returns the
// results ordered by rank.
func allGather(ctx context.Context, comms []Collective, epoch int64, loads []float64) ([][]Record, []error) {
	results := make([][]Record, len(comms))
	errs := make([]error, len(comms))

	var wg sync.WaitGroup
	for rank, comm := range comms {
		wg.Add(1)
		go func(rank int, comm Collective) {
			defer wg.Done()
			results[rank], errs[rank] = comm.AllGather(ctx, Record{Epoch: epoch, Load: loads[rank], Digest: 42})
		}(rank, comm)
	}
	wg.Wait()

	return results, errs
}

func members(group *LocalGroup, worldSize int) []Collective {
	comms := make([]Collective, 0, worldSize)
	for len(comms) < cap(comms) {
		comms = append(comms, group.Member(len(comms)))
	}
	return comms
}

func TestLocalGroup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for _, worldSize := range []int{1, 2, 3, 8} {
		group := NewLocalGroup(worldSize)
		comms := members(group, worldSize)

		for epoch := int64(1); epoch <= 10; epoch++ {
			loads := make([]float64, worldSize)
			for rank := range loads {
				loads[rank] = float64(rank+1) * float64(epoch)
			}

			results, errs := allGather(context.Background(), comms, epoch, loads)
			for rank := range comms {
				require.NoError(t, errs[rank])
				require.Len(t, results[rank], worldSize)
				for peer, record := range results[rank] {
					require.Equal(t, Record{Rank: peer, Epoch: epoch, Load: loads[peer], Digest: 42}, record)
				}
			}
		}
		require.Equal(t, int64(10), group.Rounds())
		require.Equal(t, worldSize, comms[0].WorldSize())
		require.NoError(t, group.Close())
	}
}

func TestLocalGroupResultsAreNotShared(t *testing.T) {
	comms := members(NewLocalGroup(2), 2)
	results, errs := allGather(context.Background(), comms, 1, []float64{1, 2})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	results[0][1].Load = 100
	require.Equal(t, 2., results[1][1].Load)
}

func TestLocalGroupDesync(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	group := NewLocalGroup(2)
	comms := members(group, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	var err0 error
	go func() {
		defer wg.Done()
		_, err0 = comms[0].AllGather(context.Background(), Record{Epoch: 1})
	}()

	// wait for rank 0 to arrive
	require.Eventually(t, func() bool {
		group.rendezvous.mu.Lock()
		defer group.rendezvous.mu.Unlock()
		return group.rendezvous.count == 1
	}, time.Second, time.Millisecond)

	_, err1 := comms[1].AllGather(context.Background(), Record{Epoch: 2})
	wg.Wait()

	t.Logf("got: %v", err1)
	require.ErrorIs(t, err0, ErrDesync)
	require.ErrorIs(t, err1, ErrDesync)

	// the group stays broken
	_, err := comms[0].AllGather(context.Background(), Record{Epoch: 2})
	require.ErrorIs(t, err, ErrDesync)
}

func TestRendezvousRejectsInvalidRanks(t *testing.T) {
	r := newRendezvous(2)
	_, err := r.join(context.Background(), Record{Rank: 2})
	require.Equal(t, ErrDesync, errors.Cause(err))

	r = newRendezvous(2)
	done := make(chan error, 1)
	go func() {
		_, err := r.join(context.Background(), Record{Rank: 1})
		done <- err
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.count == 1
	}, time.Second, time.Millisecond)

	_, err = r.join(context.Background(), Record{Rank: 1})
	require.Equal(t, ErrDesync, errors.Cause(err))
	require.Equal(t, ErrDesync, errors.Cause(<-done))
}

func TestLocalGroupCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	group := NewLocalGroup(3)
	comms := members(group, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// rank 2 never shows up
	results, errs := allGather(ctx, comms[:2], 1, []float64{1, 1})
	for rank := range results {
		require.Nil(t, results[rank])
		require.True(t, errors.Is(errs[rank], context.DeadlineExceeded) || errors.Is(errs[rank], ErrBroken), "got: %v", errs[rank])
	}

	// a straggler arriving later finds the group broken
	_, err := comms[2].AllGather(context.Background(), Record{Epoch: 1})
	require.ErrorIs(t, err, ErrBroken)
	require.Zero(t, group.Rounds())
}

func TestLocalGroupClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	group := NewLocalGroup(2)
	comm := group.Member(0)

	done := make(chan error, 1)
	go func() {
		_, err := comm.AllGather(context.Background(), Record{Epoch: 1})
		done <- err
	}()
	require.Eventually(t, func() bool {
		group.rendezvous.mu.Lock()
		defer group.rendezvous.mu.Unlock()
		return group.rendezvous.count == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, group.Close())
	require.ErrorIs(t, <-done, ErrClosed)
	require.NoError(t, comm.Close())
}

func TestLocalGroupPanics(t *testing.T) {
	require.Panics(t, func() { NewLocalGroup(0) })
	require.Panics(t, func() { NewLocalGroup(2).Member(2) })
}
