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
	"fmt"
)

// Average tracks the running mean of a value weighted by sample counts.
type Average struct {
	sum   float64
	count int
}

// Update adds a value averaged over n data samples.
func (a *Average) Update(value float64, n int) {
	a.sum += value * float64(n)
	a.count += n
}

// Value returns the running mean, or zero if nothing has been added.
func (a *Average) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *Average) String() string {
	return fmt.Sprintf("%.4f", a.Value())
}

// Accuracy tracks the fraction of correctly classified data samples.
type Accuracy struct {
	correct int
	count   int
}

// Update adds the predictions of a mini-batch.  A prediction is the class
// with the largest logit.
func (a *Accuracy) Update(logits [][]float64, labels []int64) {
	for i, logit := range logits {
		if argmax(logit) == labels[i] {
			a.correct++
		}
		a.count++
	}
}

// Value returns the fraction of correct predictions, or zero if nothing has
// been added.
func (a *Accuracy) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.count)
}

func (a *Accuracy) String() string {
	return fmt.Sprintf("%.2f%%", a.Value()*100)
}

func argmax(logit []float64) int64 {
	best := 0
	for i := 1; i < len(logit); i++ {
		if logit[best] < logit[i] {
			best = i
		}
	}
	return int64(best)
}
