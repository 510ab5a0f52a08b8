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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceIterator yields the indices of a slice in order.
type sliceIterator struct {
	indices []int
	pos     int
}

func (it *sliceIterator) Next() (int, bool) {
	if len(it.indices) <= it.pos {
		return 0, false
	}
	it.pos++
	return it.indices[it.pos-1], true
}

func TestSliceDataset(t *testing.T) {
	_, err := NewSliceDataset(make([][]float32, 3), make([]int64, 2))
	require.Error(t, err)

	dataset, err := NewSliceDataset([][]float32{{0, 1}, {2, 3}}, []int64{7, 8})
	require.NoError(t, err)
	require.Equal(t, 2, dataset.Len())

	features, label := dataset.Getitem(1)
	require.Equal(t, []float32{2, 3}, features)
	require.Equal(t, int64(8), label)
}

func TestSynthetic(t *testing.T) {
	const (
		datasetSize = 1000
		dim         = 4
		classes     = 3
	)
	dataset := Synthetic(datasetSize, dim, classes, 1)
	require.Equal(t, datasetSize, dataset.Len())

	for index := 0; index < dataset.Len(); index++ {
		features, label := dataset.Getitem(index)
		require.Len(t, features, dim)
		require.GreaterOrEqual(t, label, int64(0))
		require.Less(t, label, int64(classes))
	}

	// the same seed yields the same dataset
	require.Equal(t, dataset, Synthetic(datasetSize, dim, classes, 1))
}

func TestSplit(t *testing.T) {
	dataset := Synthetic(10, 2, 2, 3)

	head, tail := dataset.Split(7)
	require.Equal(t, 7, head.Len())
	require.Equal(t, 3, tail.Len())

	features, label := tail.Getitem(0)
	expected, expectedLabel := dataset.Getitem(7)
	require.Equal(t, expected, features)
	require.Equal(t, expectedLabel, label)

	head, tail = dataset.Split(20)
	require.Equal(t, 10, head.Len())
	require.Zero(t, tail.Len())
}

func TestLoader(t *testing.T) {
	const (
		datasetSize = 100
		batchSize   = 10
	)
	dataset := Synthetic(datasetSize, 2, 2, 0)

	tests := []struct {
		size  int
		steps int
	}{
		{0, 0},
		{9, 0},
		{10, 1},
		{33, 3},
		{67, 6},
		{100, 10},
	}

	for _, test := range tests {
		indices := make([]int, 0, test.size)
		for len(indices) < cap(indices) {
			indices = append(indices, datasetSize-1-len(indices))
		}
		loader := NewLoader(dataset, &sliceIterator{indices: indices}, batchSize)

		steps := 0
		for batch, ok := loader.Next(); ok; batch, ok = loader.Next() {
			require.Equal(t, batchSize, batch.Len())
			require.Equal(t, indices[steps*batchSize:(steps+1)*batchSize], batch.Indices)
			for i, index := range batch.Indices {
				features, label := dataset.Getitem(index)
				require.Equal(t, features, batch.Features[i])
				require.Equal(t, label, batch.Labels[i])
			}
			steps++
		}
		t.Logf("size: %d got: %d steps", test.size, steps)
		require.Equal(t, test.steps, steps)
		require.Equal(t, test.steps, Steps(test.size, batchSize))
	}
}

func TestRange(t *testing.T) {
	var indices []int
	it := Range(4)
	for index, ok := it.Next(); ok; index, ok = it.Next() {
		indices = append(indices, index)
	}
	require.Equal(t, []int{0, 1, 2, 3}, indices)

	_, ok := Range(0).Next()
	require.False(t, ok)
}

func TestLoaderPanicsOnNonPositiveBatchSize(t *testing.T) {
	require.Panics(t, func() {
		NewLoader(Synthetic(1, 1, 1, 0), &sliceIterator{}, 0)
	})
	require.Zero(t, Steps(10, 0))
}
