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

package data

// IndexIterator yields dataset indices.
type IndexIterator interface {
	// Next returns the next index, or false once the sequence is exhausted.
	Next() (index int, ok bool)
}

// Range returns an iterator over the indices from 0 to n-1 in order.
func Range(n int) IndexIterator {
	return &rangeIterator{n: n}
}

type rangeIterator struct {
	n, next int
}

func (it *rangeIterator) Next() (int, bool) {
	if it.n <= it.next {
		return 0, false
	}
	it.next++
	return it.next - 1, true
}

// Batch represents a single mini-batch.
type Batch struct {
	Indices  []int
	Features [][]float32
	Labels   []int64
}

// Len returns the number of data samples in the batch.
func (b Batch) Len() int {
	return len(b.Indices)
}

// Loader groups the indices yielded by an iterator into mini-batches of a
// fixed size.  The last partial batch is dropped.
type Loader struct {
	dataset   Dataset
	indices   IndexIterator
	batchSize int
}

// NewLoader creates a new loader with the given arguments.
func NewLoader(dataset Dataset, indices IndexIterator, batchSize int) *Loader {
	if batchSize <= 0 {
		panic("non-positive batch size")
	}
	return &Loader{
		dataset:   dataset,
		indices:   indices,
		batchSize: batchSize,
	}
}

// Next returns the next full mini-batch, or false if fewer than batch size
// data samples remain.
func (l *Loader) Next() (Batch, bool) {
	batch := Batch{
		Indices:  make([]int, 0, l.batchSize),
		Features: make([][]float32, 0, l.batchSize),
		Labels:   make([]int64, 0, l.batchSize),
	}

	for len(batch.Indices) < l.batchSize {
		index, ok := l.indices.Next()
		if !ok {
			return Batch{}, false
		}
		features, label := l.dataset.Getitem(index)
		batch.Indices = append(batch.Indices, index)
		batch.Features = append(batch.Features, features)
		batch.Labels = append(batch.Labels, label)
	}

	return batch, true
}

// Steps returns the number of full mini-batches in a partition of the given size.
func Steps(size, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return size / batchSize
}
