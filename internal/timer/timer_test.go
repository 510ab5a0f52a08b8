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

package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New()
	c.Record(FORWARD, 2*time.Second)
	c.Record(BACKWARD, time.Second)
	c.Record(BACKWARD, 500*time.Millisecond)
	c.Record(BACKWARD, -time.Second)
	c.Record(Phase(42), time.Hour)
	c.Step()

	record := c.Snapshot()
	t.Logf("got: %v", record)
	require.Equal(t, 1.5, record.Signal(BACKWARD))
	require.Equal(t, 2., record.Signal(FORWARD))
	require.Zero(t, record.Signal(LOAD))
	require.Zero(t, record.Signal(Phase(-1)))
	require.Equal(t, 1, record.Steps)
	require.Equal(t, 3500*time.Millisecond, record.Total())

	// a snapshot is a copy
	c.Record(BACKWARD, time.Second)
	require.Equal(t, 1.5, record.Signal(BACKWARD))
	require.Equal(t, 2.5, c.Snapshot().Signal(BACKWARD))

	c.Reset()
	require.Equal(t, Record{}, c.Snapshot())
}

func TestCollectorConcurrent(t *testing.T) {
	const workers = 8
	var c Collector

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := 0; step < 100; step++ {
				c.Record(LOAD, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*100*time.Millisecond, c.Snapshot().Totals[LOAD])
}

func TestStart(t *testing.T) {
	c := New()
	stop := c.Start(OPTIMIZER)
	time.Sleep(10 * time.Millisecond)
	stop()
	require.GreaterOrEqual(t, c.Snapshot().Totals[OPTIMIZER], 10*time.Millisecond)
}

func TestParsePhase(t *testing.T) {
	for _, phase := range Phases() {
		got, err := ParsePhase(phase.String())
		require.NoError(t, err)
		require.Equal(t, phase, got)
	}
	got, err := ParsePhase("Backward")
	require.NoError(t, err)
	require.Equal(t, BACKWARD, got)

	_, err = ParsePhase("idle")
	require.Error(t, err)
	require.Equal(t, "Phase(7)", Phase(7).String())
}
