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

// Package coordinator provides a key-value store shared by the workers of a
// training job.  Values are stored as JSON.  Besides etcd, an in-memory
// implementation is provided for tests and single-process jobs.
package coordinator

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrAlreadyExists = errors.New("key already exists")
)

// KV represents the shared key-value store.
type KV interface {
	// Get retrieves the value of the given key into valuePtr.
	Get(ctx context.Context, key string, valuePtr interface{}) error

	// Put sets the value of the given key.
	Put(ctx context.Context, key string, value interface{}) error

	// Create sets the value of the given key only if the key does not exist.
	// It returns ErrAlreadyExists otherwise.
	Create(ctx context.Context, key string, value interface{}) error

	// Scan retrieves all items with keys starting with the given prefix,
	// sorted by key.
	Scan(ctx context.Context, prefix string) ([]RawItem, error)

	// Watch subscribes modification events of the keys starting with the
	// given prefix.  Every modification after the call returns is delivered.
	// The channel is closed when the given context is done.
	Watch(ctx context.Context, prefix string) <-chan WatchEvent

	// Delete removes all keys starting with the given prefix.
	Delete(ctx context.Context, prefix string) (deleted int64, err error)

	// Close releases the resources held by the store.
	Close() error
}

// EventType is the type of the events from watching keys.
type EventType int

const (
	PutEvent EventType = iota
	DeleteEvent
)

// WatchEvent is a modification of a watched key.
type WatchEvent struct {
	Type EventType
	Item RawItem
}

// RawItem is an item whose value isn't unmarshalled yet.
type RawItem struct {
	Key   string
	Value []byte
}

// Unmarshal decodes the value of the item into the given pointer.
func (r RawItem) Unmarshal(valuePtr interface{}) error {
	return jsoniter.Unmarshal(r.Value, valuePtr)
}
