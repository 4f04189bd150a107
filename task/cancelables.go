// Copyright 2024 driftflow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// CloseableRegistry tracks the in-flight async resources of a subtask
// (snapshot streams, state readers). Cancellation closes them all;
// registering against a closed registry closes the resource immediately.
type CloseableRegistry struct {
	mu     sync.Mutex
	closed bool
	items  []io.Closer
}

// NewCloseableRegistry returns an open registry.
func NewCloseableRegistry() *CloseableRegistry {
	return &CloseableRegistry{}
}

// Register adds c to the registry. If the registry is already closed, c
// is closed on the spot and its error returned.
func (r *CloseableRegistry) Register(c io.Closer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return c.Close()
	}
	r.items = append(r.items, c)
	r.mu.Unlock()
	return nil
}

// Unregister removes c without closing it.
func (r *CloseableRegistry) Unregister(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.items {
		if item == c {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

// Close closes every registered resource. Errors are combined; the first
// one leads.
func (r *CloseableRegistry) Close() error {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.closed = true
	r.mu.Unlock()

	var err error
	for _, c := range items {
		err = multierr.Append(err, c.Close())
	}
	return err
}
