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

package storage

import "io"

// EmptyStorage discards all appends and reads back nothing. It is the
// backend used when deterministic-replay logging is disabled, so the rest
// of the runtime never branches on whether a log exists.
type EmptyStorage struct {
	name string
}

// NewEmptyStorage returns an EmptyStorage bound to name.
func NewEmptyStorage(name string) *EmptyStorage {
	return &EmptyStorage{name: name}
}

// Name implements LogStorage.
func (s *EmptyStorage) Name() string { return s.name }

// OpenRead implements LogStorage.
func (s *EmptyStorage) OpenRead() (io.ReadCloser, error) {
	return io.NopCloser(emptyReader{}), nil
}

// OpenAppend implements LogStorage.
func (s *EmptyStorage) OpenAppend() (AppendStream, error) {
	return discardAppend{}, nil
}

// Exists implements LogStorage.
func (s *EmptyStorage) Exists() (bool, error) { return false, nil }

// Clear implements LogStorage.
func (s *EmptyStorage) Clear() error { return nil }

// Delete implements LogStorage.
func (s *EmptyStorage) Delete() error { return nil }

type discardAppend struct{}

func (discardAppend) Write(p []byte) (int, error) { return len(p), nil }

func (discardAppend) Sync() error { return nil }

func (discardAppend) Close() error { return nil }
