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

import (
	"bytes"
	"io"
	"sync"
)

// memoryLogs keeps in-memory logs alive across storage instances so that a
// subtask restarted in the same process under the same name finds its log.
var memoryLogs = struct {
	sync.Mutex
	logs map[string]*bytes.Buffer
}{logs: map[string]*bytes.Buffer{}}

// MemoryStorage is a volatile backend for tests and single-process demos.
type MemoryStorage struct {
	name string
}

// NewMemoryStorage returns a MemoryStorage bound to name.
func NewMemoryStorage(name string) *MemoryStorage {
	return &MemoryStorage{name: name}
}

// Name implements LogStorage.
func (s *MemoryStorage) Name() string { return s.name }

// OpenRead implements LogStorage.
func (s *MemoryStorage) OpenRead() (io.ReadCloser, error) {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	var data []byte
	if buf, ok := memoryLogs.logs[s.name]; ok {
		data = append(data, buf.Bytes()...)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenAppend implements LogStorage.
func (s *MemoryStorage) OpenAppend() (AppendStream, error) {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	buf, ok := memoryLogs.logs[s.name]
	if !ok {
		buf = &bytes.Buffer{}
		memoryLogs.logs[s.name] = buf
	}
	return &memoryAppend{buf: buf}, nil
}

// Exists implements LogStorage.
func (s *MemoryStorage) Exists() (bool, error) {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	buf, ok := memoryLogs.logs[s.name]
	return ok && buf.Len() > 0, nil
}

// Clear implements LogStorage.
func (s *MemoryStorage) Clear() error {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	if buf, ok := memoryLogs.logs[s.name]; ok {
		buf.Reset()
	}
	return nil
}

// Delete implements LogStorage.
func (s *MemoryStorage) Delete() error {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	delete(memoryLogs.logs, s.name)
	return nil
}

type memoryAppend struct {
	buf *bytes.Buffer
}

func (a *memoryAppend) Write(p []byte) (int, error) {
	memoryLogs.Lock()
	defer memoryLogs.Unlock()
	return a.buf.Write(p)
}

func (a *memoryAppend) Sync() error { return nil }

func (a *memoryAppend) Close() error { return nil }
