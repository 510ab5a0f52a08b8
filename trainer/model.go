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

package trainer

import (
	"math"
	"math/rand"
	"time"
)

// Model represents a trainable model.  Calls follow the order of a training
// step: Forward, Loss, Backward and Step.  Backward and Step operate on the
// batch of the last Forward call.
type Model interface {
	// Forward computes the logits of the given mini-batch.
	Forward(features [][]float32) (logits [][]float64)

	// Loss returns the mean loss of the given logits.
	Loss(logits [][]float64, labels []int64) float64

	// Backward computes the gradients of the last loss.
	Backward()

	// Step updates the parameters with the computed gradients.
	Step()
}

// ModelOptions configures a synthetic model.
type ModelOptions struct {
	// LearningRate is the step size of the gradient descent.
	LearningRate float64

	// Cost is the compute time spent per data sample in the forward pass.
	// The backward pass takes twice as long.
	Cost time.Duration

	// Slowdown scales the compute time to emulate slower devices.
	Slowdown float64

	Seed int64
}

// SyntheticModel is a softmax regression trained with plain gradient
// descent.  It sleeps in proportion to the batch size to emulate the
// compute time of a real model on a device of the given slowdown.
type SyntheticModel struct {
	weights  [][]float64
	bias     []float64
	options  ModelOptions
	features [][]float32
	probs    [][]float64
	labels   []int64
	gradW    [][]float64
	gradB    []float64
}

// NewSyntheticModel creates a new synthetic model with the given arguments.
func NewSyntheticModel(dim, classes int, opts ModelOptions) *SyntheticModel {
	if dim <= 0 || classes <= 0 {
		panic("non-positive model shape")
	}
	if opts.Slowdown <= 0 {
		opts.Slowdown = 1
	}

	r := rand.New(rand.NewSource(opts.Seed))
	weights := make([][]float64, 0, classes)
	gradW := make([][]float64, 0, classes)
	for len(weights) < cap(weights) {
		row := make([]float64, dim)
		for i := range row {
			row[i] = r.NormFloat64() * 0.01
		}
		weights = append(weights, row)
		gradW = append(gradW, make([]float64, dim))
	}

	return &SyntheticModel{
		weights: weights,
		bias:    make([]float64, classes),
		options: opts,
		gradW:   gradW,
		gradB:   make([]float64, classes),
	}
}

// compute emulates the compute time of the given number of data samples.
func (m *SyntheticModel) compute(samples int, factor float64) {
	if m.options.Cost <= 0 {
		return
	}
	time.Sleep(time.Duration(float64(m.options.Cost) * m.options.Slowdown * factor * float64(samples)))
}

func (m *SyntheticModel) Forward(features [][]float32) [][]float64 {
	m.compute(len(features), 1)

	logits := make([][]float64, 0, len(features))
	for _, sample := range features {
		logit := make([]float64, len(m.weights))
		for class, row := range m.weights {
			logit[class] = m.bias[class]
			for i, weight := range row {
				logit[class] += weight * float64(sample[i])
			}
		}
		logits = append(logits, logit)
	}
	m.features = features
	return logits
}

// Loss returns the mean cross entropy of the given logits.
func (m *SyntheticModel) Loss(logits [][]float64, labels []int64) float64 {
	if len(logits) == 0 {
		return 0
	}

	m.probs = m.probs[:0]
	loss := 0.
	for i, logit := range logits {
		probs := softmax(logit)
		loss -= math.Log(math.Max(probs[labels[i]], 1e-12))
		m.probs = append(m.probs, probs)
	}
	m.labels = labels
	return loss / float64(len(logits))
}

func (m *SyntheticModel) Backward() {
	m.compute(len(m.features), 2)

	for class := range m.gradW {
		for i := range m.gradW[class] {
			m.gradW[class][i] = 0
		}
		m.gradB[class] = 0
	}
	if len(m.probs) == 0 {
		return
	}

	scale := 1 / float64(len(m.probs))
	for n, probs := range m.probs {
		for class, prob := range probs {
			delta := prob
			if int64(class) == m.labels[n] {
				delta--
			}
			delta *= scale
			for i, feature := range m.features[n] {
				m.gradW[class][i] += delta * float64(feature)
			}
			m.gradB[class] += delta
		}
	}
}

func (m *SyntheticModel) Step() {
	for class, row := range m.weights {
		for i := range row {
			row[i] -= m.options.LearningRate * m.gradW[class][i]
		}
		m.bias[class] -= m.options.LearningRate * m.gradB[class]
	}
}

func softmax(logit []float64) []float64 {
	peak := math.Inf(-1)
	for _, v := range logit {
		peak = math.Max(peak, v)
	}

	probs := make([]float64, len(logit))
	sum := 0.
	for i, v := range logit {
		probs[i] = math.Exp(v - peak)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
