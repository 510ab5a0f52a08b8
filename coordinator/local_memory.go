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
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// localMemory implements KV in the memory of a single process.
type localMemory struct {
	mu   sync.RWMutex
	data map[string][]byte

	subsLock      sync.Mutex
	subscriptions map[*subscription]struct{}
}

type subscription struct {
	ctx    context.Context
	prefix string
	events chan WatchEvent
	wg     sync.WaitGroup
}

// NewLocalMemory creates a new in-memory store.
func NewLocalMemory() KV {
	return &localMemory{
		data:          make(map[string][]byte),
		subscriptions: make(map[*subscription]struct{}),
	}
}

func (l *localMemory) Get(ctx context.Context, key string, valuePtr interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	raw, ok := l.data[key]
	l.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return jsoniter.Unmarshal(raw, valuePtr)
}

func (l *localMemory) Put(ctx context.Context, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.data[key] = raw
	l.mu.Unlock()

	l.notify(WatchEvent{
		Type: PutEvent,
		Item: RawItem{Key: key, Value: raw},
	})
	return nil
}

func (l *localMemory) Create(ctx context.Context, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, ok := l.data[key]; ok {
		l.mu.Unlock()
		return ErrAlreadyExists
	}
	l.data[key] = raw
	l.mu.Unlock()

	l.notify(WatchEvent{
		Type: PutEvent,
		Item: RawItem{Key: key, Value: raw},
	})
	return nil
}

func (l *localMemory) Scan(ctx context.Context, prefix string) ([]RawItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	items := make([]RawItem, 0)
	for key, raw := range l.data {
		if strings.HasPrefix(key, prefix) {
			items = append(items, RawItem{Key: key, Value: raw})
		}
	}
	l.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, nil
}

func (l *localMemory) Watch(ctx context.Context, prefix string) <-chan WatchEvent {
	sub := &subscription{
		ctx:    ctx,
		prefix: prefix,
		events: make(chan WatchEvent),
	}

	l.subsLock.Lock()
	l.subscriptions[sub] = struct{}{}
	l.subsLock.Unlock()

	go func() {
		<-ctx.Done()
		l.subsLock.Lock()
		delete(l.subscriptions, sub)
		l.subsLock.Unlock()
		sub.wg.Wait()
		close(sub.events)
	}()

	return sub.events
}

// notify delivers the given event to every matching subscription.
func (l *localMemory) notify(ev WatchEvent) {
	l.subsLock.Lock()
	defer l.subsLock.Unlock()

	for sub := range l.subscriptions {
		if !strings.HasPrefix(ev.Item.Key, sub.prefix) {
			continue
		}
		sub.wg.Add(1)
		go func(sub *subscription) {
			defer sub.wg.Done()
			select {
			case sub.events <- ev:
			case <-sub.ctx.Done():
			}
		}(sub)
	}
}

func (l *localMemory) Delete(ctx context.Context, prefix string) (deleted int64, err error) {
	if err = ctx.Err(); err != nil {
		return
	}

	l.mu.Lock()
	keys := make([]string, 0)
	for key := range l.data {
		if strings.HasPrefix(key, prefix) {
			delete(l.data, key)
			keys = append(keys, key)
		}
	}
	l.mu.Unlock()

	for _, key := range keys {
		l.notify(WatchEvent{
			Type: DeleteEvent,
			Item: RawItem{Key: key},
		})
	}
	return int64(len(keys)), nil
}

func (l *localMemory) Close() error {
	return nil
}
