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

package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetrics(t *testing.T) {
	PartitionSize.With(WorkerLabelValues(0)).Set(33)
	PartitionSize.With(WorkerLabelValues(1)).Set(67)
	Load.With(WorkerLabelValues(1)).Set(1.5)

	require.Equal(t, 33., testutil.ToFloat64(PartitionSize.With(WorkerLabelValues(0))))
	require.Equal(t, 67., testutil.ToFloat64(PartitionSize.With(WorkerLabelValues(1))))
	require.Equal(t, 1.5, testutil.ToFloat64(Load.With(WorkerLabelValues(1))))

	before := testutil.ToFloat64(Rounds)
	Rounds.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(Rounds))
}
