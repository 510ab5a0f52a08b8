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

// Package main simulates a heterogeneous cluster in a single process.  Each
// worker runs in its own goroutine with its own compute slowdown, and the
// workers exchange their loads through in-process collectives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/9rum/flatflow/balancer"
	"github.com/9rum/flatflow/communicator"
	"github.com/9rum/flatflow/config"
	"github.com/9rum/flatflow/trainer"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

func main() {
	path := flag.String("config", "", "The YAML config file")
	worldSize := flag.Int("world-size", 2, "The number of workers")
	slowdown := flag.String("slowdown", "2,1", "The comma-separated compute slowdown of each worker")
	epochs := flag.Int("epochs", 0, "The number of epochs; overrides the config if positive")
	policy := flag.String("policy", "", "The rebalance policy; overrides the config if set")
	flag.Parse()
	defer glog.Flush()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			glog.Fatalf("failed to load config: %v", err)
		}
	}
	cfg.Transport = config.GRPC
	cfg.WorldSize = *worldSize
	if 0 < *epochs {
		cfg.Epochs = *epochs
	}
	if *policy != "" {
		cfg.Policy = *policy
	}
	if err := cfg.Validate(); err != nil {
		glog.Fatalf("invalid config: %v", err)
	}

	slowdowns, err := parseSlowdowns(*slowdown, cfg.WorldSize)
	if err != nil {
		glog.Fatalf("invalid slowdown: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = simulate(ctx, cfg, slowdowns); err != nil {
		glog.Fatalf("simulation failed: %v", err)
	}
}

// parseSlowdowns parses the comma-separated slowdowns.  Missing trailing
// slowdowns default to 1.
func parseSlowdowns(s string, worldSize int) ([]float64, error) {
	slowdowns := make([]float64, worldSize)
	for rank := range slowdowns {
		slowdowns[rank] = 1
	}

	for rank, field := range strings.Split(s, ",") {
		if strings.TrimSpace(field) == "" {
			continue
		}
		if worldSize <= rank {
			return nil, errors.Errorf("%d slowdowns for world size %d", rank+1, worldSize)
		}
		slowdown, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "slowdown of rank %d", rank)
		}
		if slowdown <= 0 {
			return nil, errors.Errorf("non-positive slowdown %g of rank %d", slowdown, rank)
		}
		slowdowns[rank] = slowdown
	}
	return slowdowns, nil
}

func simulate(ctx context.Context, cfg config.Config, slowdowns []float64) error {
	kind, err := cfg.SamplerKind()
	if err != nil {
		return err
	}
	opts, err := cfg.BalancerOptions()
	if err != nil {
		return err
	}

	group := communicator.NewLocalGroup(cfg.WorldSize)
	defer group.Close()
	// a failed worker breaks the collectives of the others
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	train, test := cfg.Datasets()
	errs := make([]error, cfg.WorldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < cfg.WorldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			b := balancer.New(kind, group.Member(rank), train.Len(), opts)

			options := cfg.ModelOptions()
			options.Slowdown = slowdowns[rank]
			model := trainer.NewSyntheticModel(cfg.Dataset.Dim, cfg.Dataset.Classes, options)

			summaries, err := trainer.New(model, b, train, test, cfg.BatchSize).Fit(ctx, cfg.Epochs)
			if err != nil {
				errs[rank] = errors.Wrapf(err, "rank %d", rank)
				cancel()
				return
			}
			for _, summary := range summaries {
				glog.Infof("rank %d epoch: %d partition: %d %s", rank, summary.Epoch, summary.PartitionSize, summary.Timings)
			}
		}(rank)
	}
	wg.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
