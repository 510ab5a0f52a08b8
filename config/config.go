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

// Package config defines the configuration of a training worker.  Values are
// resolved in order of defaults, a YAML file and command-line flags.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/9rum/flatflow/balancer"
	"github.com/9rum/flatflow/internal/data"
	"github.com/9rum/flatflow/internal/timer"
	"github.com/9rum/flatflow/sampler"
	"github.com/9rum/flatflow/scheduler"
	"github.com/9rum/flatflow/trainer"
	"github.com/creasty/defaults"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transports.
const (
	GRPC = "grpc"
	ETCD = "etcd"
)

// Config holds the configuration of a training worker.
type Config struct {
	// Transport selects how workers exchange their loads: through the
	// coordinator server or through etcd.
	Transport   string     `yaml:"transport" default:"grpc"`
	Coordinator string     `yaml:"coordinator" default:"localhost:50051"`
	Etcd        EtcdConfig `yaml:"etcd"`

	WorldSize int `yaml:"world_size" default:"1"`
	Rank      int `yaml:"rank"`

	Sampler string  `yaml:"sampler" default:"dynamic"`
	Policy  string  `yaml:"policy" default:"inverse"`
	Phase   string  `yaml:"phase" default:"backward"`
	Epsilon float64 `yaml:"epsilon" default:"1e-9"`

	// Align rounds partitions to multiples of the batch size.
	Align   bool  `yaml:"align"`
	Shuffle bool  `yaml:"shuffle" default:"true"`
	Seed    int64 `yaml:"seed"`

	Epochs    int `yaml:"epochs" default:"10"`
	BatchSize int `yaml:"batch_size" default:"10"`

	Dataset DatasetConfig `yaml:"dataset"`
	Model   ModelConfig   `yaml:"model"`

	// Metrics is the address to serve Prometheus metrics on.
	// Metrics are not served if empty.
	Metrics string `yaml:"metrics"`
}

type EtcdConfig struct {
	// Job identifies a single run of the training job.  It must be unique
	// among the runs sharing the namespace.
	Job         string        `yaml:"job"`
	Endpoints   []string      `yaml:"endpoints" default:"[\"localhost:2379\"]"`
	Namespace   string        `yaml:"namespace" default:"flatflow/"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
}

// DatasetConfig describes the synthetic datasets to train and evaluate on.
type DatasetConfig struct {
	Size     int   `yaml:"size" default:"1000"`
	TestSize int   `yaml:"test_size" default:"200"`
	Dim      int   `yaml:"dim" default:"16"`
	Classes  int   `yaml:"classes" default:"4"`
	Seed     int64 `yaml:"seed"`
}

type ModelConfig struct {
	LearningRate float64       `yaml:"learning_rate" default:"0.1"`
	Cost         time.Duration `yaml:"cost" default:"100us"`
	Slowdown     float64       `yaml:"slowdown" default:"1"`
}

// Default returns the default configuration.
func Default() (c Config) {
	if err := defaults.Set(&c); err != nil {
		panic(err)
	}
	return
}

// Load reads the configuration from the given YAML file.  Fields absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "could not read config")
	}
	if err = yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrapf(err, "could not parse config %s", path)
	}
	return c, nil
}

// RegisterFlags binds the fields of the configuration to flags of the given
// flag set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Transport, "transport", c.Transport, "transport to exchange loads over (grpc or etcd)")
	fs.StringVar(&c.Coordinator, "coordinator", c.Coordinator, "address of the coordinator server")
	fs.Var((*stringsValue)(&c.Etcd.Endpoints), "etcd-endpoints", "comma-separated etcd endpoints")
	fs.StringVar(&c.Etcd.Job, "job", c.Etcd.Job, "unique id of the run when exchanging loads over etcd")
	fs.StringVar(&c.Etcd.Namespace, "etcd-namespace", c.Etcd.Namespace, "etcd key prefix")
	fs.IntVar(&c.WorldSize, "world-size", c.WorldSize, "number of workers")
	fs.IntVar(&c.Rank, "rank", c.Rank, "rank of the worker")
	fs.StringVar(&c.Sampler, "sampler", c.Sampler, "sampler kind (static or dynamic)")
	fs.StringVar(&c.Policy, "policy", c.Policy, "rebalance policy (inverse or throughput)")
	fs.StringVar(&c.Phase, "phase", c.Phase, "timed phase used as the load signal")
	fs.Float64Var(&c.Epsilon, "epsilon", c.Epsilon, "lower bound of load signals")
	fs.BoolVar(&c.Align, "align", c.Align, "round partitions to multiples of the batch size")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "shuffle the dataset every epoch")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "seed of the shuffle")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "number of epochs")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "batch size")
	fs.IntVar(&c.Dataset.Size, "dataset-size", c.Dataset.Size, "number of training data samples")
	fs.Float64Var(&c.Model.Slowdown, "slowdown", c.Model.Slowdown, "compute slowdown of the worker")
	fs.DurationVar(&c.Model.Cost, "cost", c.Model.Cost, "compute time per data sample")
	fs.StringVar(&c.Metrics, "metrics", c.Metrics, "address to serve metrics on")
}

// Overlay loads the configuration from the given YAML file and reapplies the
// flags explicitly set in the given flag set on top of it.  It returns the
// configuration as is if path is empty.
func (c Config) Overlay(path string, fs *flag.FlagSet) (Config, error) {
	if path == "" {
		return c, nil
	}
	loaded, err := Load(path)
	if err != nil {
		return Config{}, err
	}

	scratch := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	loaded.RegisterFlags(scratch)

	var result *multierror.Error
	fs.Visit(func(f *flag.Flag) {
		if scratch.Lookup(f.Name) == nil {
			return
		}
		if err := scratch.Set(f.Name, f.Value.String()); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "flag -%s", f.Name))
		}
	})
	return loaded, result.ErrorOrNil()
}

// Validate reports every invalid field of the configuration.
func (c Config) Validate() error {
	var result *multierror.Error
	switch c.Transport {
	case GRPC:
		if c.Coordinator == "" {
			result = multierror.Append(result, errors.New("coordinator address is required"))
		}
	case ETCD:
		if len(c.Etcd.Endpoints) == 0 {
			result = multierror.Append(result, errors.New("etcd endpoints are required"))
		}
		if c.Etcd.Job == "" || strings.Contains(c.Etcd.Job, "/") {
			result = multierror.Append(result, errors.Errorf("invalid job %q", c.Etcd.Job))
		}
	default:
		result = multierror.Append(result, errors.Errorf("unknown transport %q", c.Transport))
	}
	if c.WorldSize <= 0 {
		result = multierror.Append(result, errors.Errorf("non-positive world size %d", c.WorldSize))
	} else if c.Rank < 0 || c.WorldSize <= c.Rank {
		result = multierror.Append(result, errors.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize))
	}
	if _, err := c.SamplerKind(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := scheduler.ParsePolicy(c.Policy); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := timer.ParsePhase(c.Phase); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Epsilon < 0 {
		result = multierror.Append(result, errors.Errorf("negative epsilon %g", c.Epsilon))
	}
	if c.Epochs <= 0 {
		result = multierror.Append(result, errors.Errorf("non-positive number of epochs %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		result = multierror.Append(result, errors.Errorf("non-positive batch size %d", c.BatchSize))
	}
	if c.Dataset.Size < 0 || c.Dataset.TestSize < 0 {
		result = multierror.Append(result, errors.New("negative dataset size"))
	}
	if c.Dataset.Dim <= 0 || c.Dataset.Classes <= 0 {
		result = multierror.Append(result, errors.Errorf("invalid model shape %dx%d", c.Dataset.Classes, c.Dataset.Dim))
	}
	if c.Model.Slowdown <= 0 {
		result = multierror.Append(result, errors.Errorf("non-positive slowdown %g", c.Model.Slowdown))
	}
	return result.ErrorOrNil()
}

// SamplerKind returns the configured sampler kind.
func (c Config) SamplerKind() (sampler.Kind, error) {
	switch strings.ToLower(c.Sampler) {
	case "static":
		return sampler.STATIC, nil
	case "dynamic":
		return sampler.DYNAMIC, nil
	default:
		return 0, errors.Errorf("unknown sampler %q", c.Sampler)
	}
}

// BalancerOptions returns the configured balancer options.
func (c Config) BalancerOptions() (balancer.Options, error) {
	policy, err := scheduler.ParsePolicy(c.Policy)
	if err != nil {
		return balancer.Options{}, err
	}
	phase, err := timer.ParsePhase(c.Phase)
	if err != nil {
		return balancer.Options{}, err
	}

	granularity := 1
	if c.Align {
		granularity = c.BatchSize
	}
	return balancer.Options{
		Phase: phase,
		Sampler: sampler.Options{
			Seed:    c.Seed,
			Shuffle: c.Shuffle,
		},
		Scheduler: scheduler.Options{
			Policy:      policy,
			Epsilon:     c.Epsilon,
			Granularity: granularity,
		},
	}, nil
}

// ModelOptions returns the configured options of the synthetic model.
func (c Config) ModelOptions() trainer.ModelOptions {
	return trainer.ModelOptions{
		LearningRate: c.Model.LearningRate,
		Cost:         c.Model.Cost,
		Slowdown:     c.Model.Slowdown,
		Seed:         c.Seed,
	}
}

// Datasets generates the configured training and test datasets.  Every
// worker generates the same datasets.  The test dataset is nil if its size
// is zero.
func (c Config) Datasets() (train, test data.Dataset) {
	all := data.Synthetic(c.Dataset.Size+c.Dataset.TestSize, c.Dataset.Dim, c.Dataset.Classes, c.Dataset.Seed)
	head, tail := all.Split(c.Dataset.Size)
	if tail.Len() == 0 {
		return head, nil
	}
	return head, tail
}

// stringsValue is a flag value of comma-separated strings.
type stringsValue []string

func (v *stringsValue) String() string {
	if v == nil {
		return ""
	}
	return strings.Join(*v, ",")
}

func (v *stringsValue) Set(s string) error {
	*v = strings.Split(s, ",")
	return nil
}
