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

// Package main implements a training worker.  Each worker trains a synthetic
// model on its partition of the dataset and exchanges its load with the other
// workers at the end of every epoch, either through the coordinator server
// or through etcd.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/9rum/flatflow/balancer"
	"github.com/9rum/flatflow/communicator"
	"github.com/9rum/flatflow/config"
	"github.com/9rum/flatflow/coordinator"
	"github.com/9rum/flatflow/internal/metric"
	"github.com/9rum/flatflow/trainer"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

func main() {
	path := flag.String("config", "", "The YAML config file")
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	defer glog.Flush()

	cfg, err := cfg.Overlay(*path, flag.CommandLine)
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}
	if err = cfg.Validate(); err != nil {
		glog.Fatalf("invalid config: %v", err)
	}

	if cfg.Metrics != "" {
		go func() {
			if err := metric.Serve(cfg.Metrics); err != nil {
				glog.Errorf("failed to serve metrics: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg); err != nil {
		glog.Fatalf("rank %d failed: %v", cfg.Rank, err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	comm, finalize, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer comm.Close()

	kind, err := cfg.SamplerKind()
	if err != nil {
		return err
	}
	opts, err := cfg.BalancerOptions()
	if err != nil {
		return err
	}

	train, test := cfg.Datasets()
	b := balancer.New(kind, comm, train.Len(), opts)
	model := trainer.NewSyntheticModel(cfg.Dataset.Dim, cfg.Dataset.Classes, cfg.ModelOptions())

	if _, err = trainer.New(model, b, train, test, cfg.BatchSize).Fit(ctx, cfg.Epochs); err != nil {
		return err
	}
	return finalize(ctx)
}

// connect joins the collective of the configured transport.  The returned
// function leaves the collective once training has finished.
func connect(ctx context.Context, cfg config.Config) (communicator.Collective, func(context.Context) error, error) {
	switch cfg.Transport {
	case config.GRPC:
		client, err := communicator.Dial(ctx, cfg.Coordinator, cfg.Rank)
		if err != nil {
			return nil, nil, err
		}
		if client.WorldSize() != cfg.WorldSize {
			client.Close()
			return nil, nil, errors.Errorf("coordinator expects %d workers, configured %d", client.WorldSize(), cfg.WorldSize)
		}
		return client, client.Finalize, nil

	case config.ETCD:
		opts := coordinator.DefaultEtcdOptions()
		opts.DialTimeout = cfg.Etcd.DialTimeout
		kv, err := coordinator.NewEtcd(cfg.Etcd.Endpoints, cfg.Etcd.Namespace, opts)
		if err != nil {
			return nil, nil, err
		}
		glog.Infof("rank %d joined job %s on etcd at %v", cfg.Rank, cfg.Etcd.Job, cfg.Etcd.Endpoints)
		return communicator.NewKVGroup(kv, cfg.Etcd.Job, cfg.Rank, cfg.WorldSize), func(context.Context) error { return nil }, nil

	default:
		return nil, nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}
