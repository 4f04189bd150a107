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
	"io"
	"os"
	"path/filepath"

	cerror "github.com/driftflow/driftflow/pkg/errors"
)

const defaultFileMode = 0o644

// LocalStorage keeps the log in a single file under dir.
type LocalStorage struct {
	name string
	path string
}

// NewLocalStorage returns a LocalStorage for name under dir. An empty dir
// falls back to the working directory.
func NewLocalStorage(name, dir string) (*LocalStorage, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cerror.WrapError(cerror.ErrStorageIO, err)
		}
	}
	return &LocalStorage{
		name: name,
		path: filepath.Join(dir, name+".log"),
	}, nil
}

// Name implements LogStorage.
func (s *LocalStorage) Name() string { return s.name }

// OpenRead implements LogStorage.
func (s *LocalStorage) OpenRead() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return io.NopCloser(emptyReader{}), nil
		}
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return f, nil
}

// OpenAppend implements LogStorage.
func (s *LocalStorage) OpenAppend() (AppendStream, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return &localAppend{f: f}, nil
}

// Exists implements LogStorage.
func (s *LocalStorage) Exists() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return info.Size() > 0, nil
}

// Clear implements LogStorage.
func (s *LocalStorage) Clear() error {
	err := os.Truncate(s.path, 0)
	if err != nil && !os.IsNotExist(err) {
		return cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return nil
}

// Delete implements LogStorage.
func (s *LocalStorage) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return nil
}

type localAppend struct {
	f *os.File
}

func (a *localAppend) Write(p []byte) (int, error) {
	n, err := a.f.Write(p)
	return n, cerror.WrapError(cerror.ErrStorageIO, err)
}

func (a *localAppend) Sync() error {
	return cerror.WrapError(cerror.ErrStorageIO, a.f.Sync())
}

func (a *localAppend) Close() error {
	return cerror.WrapError(cerror.ErrStorageIO, a.f.Close())
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
