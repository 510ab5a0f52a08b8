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

package coordinator

import (
	"context"
	"time"

	"github.com/creasty/defaults"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"google.golang.org/grpc"
)

// Etcd implements KV on an etcd v3 cluster.
type Etcd struct {
	client  *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	options EtcdOptions
}

// EtcdOptions configures the etcd client.
type EtcdOptions struct {
	DialTimeout time.Duration `default:"5s"`
	OpTimeout   time.Duration `default:"3s"`
}

// DefaultEtcdOptions returns the default etcd options.
func DefaultEtcdOptions() (o EtcdOptions) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}

// NewEtcd connects to the etcd cluster at the given endpoints.  All keys are
// prefixed with the given namespace.
func NewEtcd(endpoints []string, nsPrefix string, opts ...EtcdOptions) (*Etcd, error) {
	options := DefaultEtcdOptions()
	if 0 < len(opts) {
		options = opts[0]
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: options.DialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to etcd at %v", endpoints)
	}

	return &Etcd{
		client:  client,
		kv:      namespace.NewKV(client.KV, nsPrefix),
		watcher: namespace.NewWatcher(client.Watcher, nsPrefix),
		options: options,
	}, nil
}

func (e *Etcd) Get(ctx context.Context, key string, valuePtr interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	defer cancel()

	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}
	return jsoniter.Unmarshal(resp.Kvs[0].Value, valuePtr)
}

func (e *Etcd) Put(ctx context.Context, key string, value interface{}) error {
	raw, err := jsoniter.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "could not marshal value of %s", key)
	}

	ctx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	defer cancel()

	_, err = e.kv.Put(ctx, key, string(raw))
	return err
}

func (e *Etcd) Create(ctx context.Context, key string, value interface{}) error {
	raw, err := jsoniter.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "could not marshal value of %s", key)
	}

	ctx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	defer cancel()

	resp, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(raw))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrAlreadyExists
	}
	return nil
}

func (e *Etcd) Scan(ctx context.Context, prefix string) ([]RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	defer cancel()

	resp, err := e.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		items = append(items, RawItem{
			Key:   string(kv.Key),
			Value: kv.Value,
		})
	}
	return items, nil
}

// Watch starts watching right after the current revision of the store so
// that no modification made after the call is missed.
func (e *Etcd) Watch(ctx context.Context, prefix string) <-chan WatchEvent {
	events := make(chan WatchEvent)

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	getCtx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	if resp, err := e.kv.Get(getCtx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err == nil {
		opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
	} else {
		glog.Warningf("could not read revision of %s: %v", prefix, err)
	}
	cancel()

	wc := e.watcher.Watch(ctx, prefix, opts...)
	go func() {
		defer close(events)
		for wr := range wc {
			if err := wr.Err(); err != nil {
				glog.Errorf("watch error on %s: %v", prefix, err)
				continue
			}
			for _, ev := range wr.Events {
				event := WatchEvent{
					Item: RawItem{
						Key:   string(ev.Kv.Key),
						Value: ev.Kv.Value,
					},
				}
				switch ev.Type {
				case mvccpb.PUT:
					event.Type = PutEvent
				case mvccpb.DELETE:
					event.Type = DeleteEvent
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

func (e *Etcd) Delete(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.options.OpTimeout)
	defer cancel()

	resp, err := e.kv.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
