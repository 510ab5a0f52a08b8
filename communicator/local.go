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

import "context"

// LocalGroup is a group of workers running in the same process, e.g., one
// goroutine per device.
type LocalGroup struct {
	rendezvous *rendezvous
	worldSize  int
}

// NewLocalGroup creates a new in-process group of the given size.
func NewLocalGroup(worldSize int) *LocalGroup {
	if worldSize <= 0 {
		panic("non-positive world size")
	}
	return &LocalGroup{
		rendezvous: newRendezvous(worldSize),
		worldSize:  worldSize,
	}
}

// Member returns the collective of the worker with the given rank.
func (g *LocalGroup) Member(rank int) Collective {
	if rank < 0 || g.worldSize <= rank {
		panic("rank out of range")
	}
	return &localMember{
		group: g,
		rank:  rank,
	}
}

// Rounds returns the number of completed collective rounds.
func (g *LocalGroup) Rounds() int64 {
	return g.rendezvous.Rounds()
}

// Close fails any pending and future collective calls in the group.
func (g *LocalGroup) Close() error {
	g.rendezvous.close()
	return nil
}

// localMember implements Collective for a single worker in a local group.
type localMember struct {
	group *LocalGroup
	rank  int
}

func (m *localMember) Rank() int {
	return m.rank
}

func (m *localMember) WorldSize() int {
	return m.group.worldSize
}

func (m *localMember) AllGather(ctx context.Context, record Record) ([]Record, error) {
	record.Rank = m.rank
	return m.group.rendezvous.join(ctx, record)
}

// Close is a no-op; the group outlives its members.
func (m *localMember) Close() error {
	return nil
}
