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

//go:build integration

package communicator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/9rum/flatflow/coordinator"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
)

func TestKVGroupOnEtcd(t *testing.T) {
	Convey("Given a group of workers sharing an etcd cluster", t, func() {
		const worldSize = 3
		endpoint, ok := os.LookupEnv("FLATFLOW_TEST_ETCD_ENDPOINT")
		if !ok {
			endpoint = "127.0.0.1:2379"
		}
		namespace := "flatflow_test_" + uuid.NewString() + "/"
		job := uuid.NewString()

		comms := make([]Collective, 0, worldSize)
		for len(comms) < cap(comms) {
			etcd, err := coordinator.NewEtcd([]string{endpoint}, namespace)
			So(err, ShouldBeNil)
			comms = append(comms, NewKVGroup(etcd, job, len(comms), worldSize))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("Every worker should receive the records of all workers", func() {
			for epoch := int64(1); epoch <= 3; epoch++ {
				loads := []float64{1, 2, float64(epoch)}
				results, errs := allGather(ctx, comms, epoch, loads)
				for rank := range comms {
					So(errs[rank], ShouldBeNil)
					for peer, record := range results[rank] {
						So(record, ShouldResemble, Record{Rank: peer, Epoch: epoch, Load: loads[peer], Digest: 42})
					}
				}
			}
		})

		Reset(func() {
			cleaner, err := coordinator.NewEtcd([]string{endpoint}, namespace)
			So(err, ShouldBeNil)
			_, err = cleaner.Delete(context.Background(), "")
			So(err, ShouldBeNil)
			So(cleaner.Close(), ShouldBeNil)
			for _, comm := range comms {
				So(comm.Close(), ShouldBeNil)
			}
		})
	})
}
