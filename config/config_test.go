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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/9rum/flatflow/internal/timer"
	"github.com/9rum/flatflow/sampler"
	"github.com/9rum/flatflow/scheduler"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.Equal(t, GRPC, c.Transport)
	require.Equal(t, "localhost:50051", c.Coordinator)
	require.Equal(t, []string{"localhost:2379"}, c.Etcd.Endpoints)
	require.Equal(t, 5*time.Second, c.Etcd.DialTimeout)
	require.Equal(t, 1, c.WorldSize)
	require.Equal(t, "dynamic", c.Sampler)
	require.Equal(t, 1e-9, c.Epsilon)
	require.True(t, c.Shuffle)
	require.Equal(t, 100*time.Microsecond, c.Model.Cost)
	require.Equal(t, 1000, c.Dataset.Size)
	require.NoError(t, c.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
transport: etcd
etcd:
  job: run-1
  endpoints: [etcd-0:2379, etcd-1:2379]
  dial_timeout: 2s
world_size: 4
rank: 3
policy: throughput
shuffle: false
batch_size: 32
model:
  slowdown: 2.5
`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ETCD, c.Transport)
	require.Equal(t, "run-1", c.Etcd.Job)
	require.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, c.Etcd.Endpoints)
	require.Equal(t, 2*time.Second, c.Etcd.DialTimeout)
	require.Equal(t, "flatflow/", c.Etcd.Namespace)
	require.Equal(t, 4, c.WorldSize)
	require.Equal(t, 3, c.Rank)
	require.Equal(t, "throughput", c.Policy)
	require.False(t, c.Shuffle)
	require.Equal(t, 32, c.BatchSize)
	require.Equal(t, 2.5, c.Model.Slowdown)
	require.Equal(t, 10, c.Epochs)
	require.NoError(t, c.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "world_size: [1"))
	require.Error(t, err)
}

func TestOverlay(t *testing.T) {
	path := writeConfig(t, "world_size: 4\nrank: 1\nepochs: 3\n")

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	c := Default()
	c.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-rank", "2", "-etcd-endpoints", "a:1,b:2", "-cost", "1ms"}))

	c, err := c.Overlay(path, fs)
	require.NoError(t, err)
	require.Equal(t, 4, c.WorldSize)
	require.Equal(t, 2, c.Rank)
	require.Equal(t, 3, c.Epochs)
	require.Equal(t, []string{"a:1", "b:2"}, c.Etcd.Endpoints)
	require.Equal(t, time.Millisecond, c.Model.Cost)

	// no file keeps the flags
	same, err := c.Overlay("", fs)
	require.NoError(t, err)
	require.Equal(t, c, same)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Transport = "smoke"
	c.WorldSize = 2
	c.Rank = 2
	c.Sampler = "lazy"
	c.Policy = "fastest"
	c.Phase = "idle"
	c.BatchSize = 0
	c.Model.Slowdown = 0

	err := c.Validate()
	require.Error(t, err)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	t.Log(merr)
	require.Len(t, merr.Errors, 7)
}

func TestValidateEtcdJob(t *testing.T) {
	c := Default()
	c.Transport = ETCD
	require.Error(t, c.Validate())

	c.Etcd.Job = "runs/1"
	require.Error(t, c.Validate())

	c.Etcd.Job = "run-1"
	require.NoError(t, c.Validate())
}

func TestBalancerOptions(t *testing.T) {
	c := Default()
	c.Phase = "forward"
	c.Policy = "throughput"
	c.Seed = 7

	opts, err := c.BalancerOptions()
	require.NoError(t, err)
	require.Equal(t, timer.FORWARD, opts.Phase)
	require.Equal(t, sampler.Options{Seed: 7, Shuffle: true}, opts.Sampler)
	require.Equal(t, scheduler.Options{Policy: scheduler.THROUGHPUT, Epsilon: 1e-9, Granularity: 1}, opts.Scheduler)

	c.Align = true
	opts, err = c.BalancerOptions()
	require.NoError(t, err)
	require.Equal(t, c.BatchSize, opts.Scheduler.Granularity)

	kind, err := c.SamplerKind()
	require.NoError(t, err)
	require.Equal(t, sampler.DYNAMIC, kind)
}

func TestDatasets(t *testing.T) {
	c := Default()
	train, test := c.Datasets()
	require.Equal(t, c.Dataset.Size, train.Len())
	require.Equal(t, c.Dataset.TestSize, test.Len())

	c.Dataset.TestSize = 0
	train, test = c.Datasets()
	require.Equal(t, c.Dataset.Size, train.Len())
	require.Nil(t, test)
}
