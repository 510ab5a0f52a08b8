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

// Package data provides primitives for representing the training dataset
// and for batching the samples assigned to a worker.  The dataset is shared
// read-only by every worker in the group; workers differ only in which
// indices they draw from it.
package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Dataset represents the given dataset.
// All implementations must embed DatasetBase for forward compatibility.
type Dataset interface {
	// Getitem retrieves the data sample at the given index.
	Getitem(index int) (features []float32, label int64)

	// Len returns the number of data samples in the dataset.
	Len() int
}

// DatasetBase must be embedded to have forward compatible implementations.
type DatasetBase struct {
}

func (DatasetBase) Getitem(index int) (features []float32, label int64) {
	return
}
func (DatasetBase) Len() int {
	return 0
}

// SliceDataset represents an in-memory dataset backed by slices.
type SliceDataset struct {
	DatasetBase
	features [][]float32
	labels   []int64
}

// NewSliceDataset creates a new in-memory dataset with the given arguments.
func NewSliceDataset(features [][]float32, labels []int64) (*SliceDataset, error) {
	if len(features) != len(labels) {
		return nil, errors.New("features and labels differ in length")
	}
	return &SliceDataset{
		features: features,
		labels:   labels,
	}, nil
}

// Getitem returns the data sample at the given index.
// It panics if the index is out of range.
func (d *SliceDataset) Getitem(index int) (features []float32, label int64) {
	return d.features[index], d.labels[index]
}

// Len returns the number of data samples in the dataset.
func (d *SliceDataset) Len() int {
	return len(d.labels)
}

// Split splits the dataset into the first n data samples and the rest.
// The returned datasets share the underlying samples.
func (d *SliceDataset) Split(n int) (head, tail *SliceDataset) {
	n = max(0, min(n, d.Len()))
	head = &SliceDataset{features: d.features[:n:n], labels: d.labels[:n:n]}
	tail = &SliceDataset{features: d.features[n:], labels: d.labels[n:]}
	return
}

// Synthetic creates a dataset of n random samples with dim features each,
// labeled with one of the given number of classes.  Samples of the same
// class are drawn around the same center so that the labels are learnable.
func Synthetic(n, dim, classes int, seed int64) *SliceDataset {
	r := rand.New(rand.NewSource(seed))

	centers := make([][]float32, 0, classes)
	for len(centers) < cap(centers) {
		center := make([]float32, dim)
		for i := range center {
			center[i] = float32(r.NormFloat64() * 3)
		}
		centers = append(centers, center)
	}

	features := make([][]float32, 0, n)
	labels := make([]int64, 0, n)
	for len(labels) < cap(labels) {
		label := r.Intn(classes)
		sample := make([]float32, dim)
		for i := range sample {
			sample[i] = centers[label][i] + float32(r.NormFloat64())
		}
		features = append(features, sample)
		labels = append(labels, int64(label))
	}

	return &SliceDataset{
		features: features,
		labels:   labels,
	}
}
