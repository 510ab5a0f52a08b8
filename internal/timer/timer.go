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

// Package timer measures the wall-clock time a worker spends in each phase
// of the training pipeline during one epoch. The accumulated totals are
// exchanged across workers at the end of the epoch as the load signal.
package timer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase identifies a stage of a training step.
type Phase int

const (
	LOAD Phase = iota
	FORWARD
	LOSS
	BACKWARD
	OPTIMIZER
	UPDATE
	numPhases
)

var phaseNames = [numPhases]string{"load", "forward", "loss", "backward", "optimizer", "update"}

func (p Phase) String() string {
	if p < 0 || numPhases <= p {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase returns the phase with the given name.
func ParsePhase(name string) (Phase, error) {
	for phase, n := range phaseNames {
		if strings.EqualFold(n, name) {
			return Phase(phase), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// Phases returns all phases in pipeline order.
func Phases() []Phase {
	phases := make([]Phase, 0, numPhases)
	for len(phases) < cap(phases) {
		phases = append(phases, Phase(len(phases)))
	}
	return phases
}

// Record holds the per-phase totals of one epoch. It is a plain value and
// may be copied freely.
type Record struct {
	Totals [numPhases]time.Duration
	Steps  int
}

// Signal returns the total of the given phase in seconds.
func (r Record) Signal(phase Phase) float64 {
	if phase < 0 || numPhases <= phase {
		return 0
	}
	return r.Totals[phase].Seconds()
}

// Total returns the sum over all phases.
func (r Record) Total() (total time.Duration) {
	for _, d := range r.Totals {
		total += d
	}
	return
}

func (r Record) String() string {
	var b strings.Builder
	for phase, d := range r.Totals {
		if 0 < phase {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s: %v", phaseNames[phase], d)
	}
	return b.String()
}

// Collector accumulates phase durations for the current epoch.
// The zero value is ready to use and safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	record Record
}

// New creates a new collector.
func New() *Collector {
	return new(Collector)
}

// Record adds the given duration to the accumulator of the given phase.
// Negative durations and unknown phases are ignored.
func (c *Collector) Record(phase Phase, d time.Duration) {
	if phase < 0 || numPhases <= phase || d < 0 {
		return
	}
	c.mu.Lock()
	c.record.Totals[phase] += d
	c.mu.Unlock()
}

// Step counts a completed training step.
func (c *Collector) Step() {
	c.mu.Lock()
	c.record.Steps++
	c.mu.Unlock()
}

// Start starts a stopwatch for the given phase; calling the returned
// function records the elapsed time.
func (c *Collector) Start(phase Phase) (stop func()) {
	begin := time.Now()
	return func() {
		c.Record(phase, time.Since(begin))
	}
}

// Reset clears all accumulators.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.record = Record{}
	c.mu.Unlock()
}

// Snapshot returns the accumulated totals without mutating them.
func (c *Collector) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}
