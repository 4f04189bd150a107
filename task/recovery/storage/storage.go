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

// Package storage provides the byte-stream stores the replay log is written
// to. A store is a named append-only log; the async log writer is its only
// appender, the replay path its only reader.
package storage

import (
	"io"

	"github.com/driftflow/driftflow/pkg/config"
	cerror "github.com/driftflow/driftflow/pkg/errors"
)

// AppendStream is a single-producer append handle on a log. Concurrent
// appenders produce undefined results.
type AppendStream interface {
	io.WriteCloser
	// Sync makes everything written so far durable.
	Sync() error
}

// LogStorage is a named byte-stream store. Reads always return the full
// historical byte sequence from the beginning of the log.
type LogStorage interface {
	// Name returns the log name this store is bound to.
	Name() string
	// OpenRead opens the log for reading from the start. Opening a
	// nonexistent log yields an empty stream.
	OpenRead() (io.ReadCloser, error)
	// OpenAppend opens the log for appending, creating it if absent.
	OpenAppend() (AppendStream, error)
	// Exists reports whether the log has any persisted bytes.
	Exists() (bool, error)
	// Clear truncates the log. Clearing a nonexistent log is a no-op.
	Clear() error
	// Delete removes the log entirely.
	Delete() error
}

// New picks a backend for the configured storage type.
func New(cfg *config.Config) (LogStorage, error) {
	if !cfg.EnableLogging {
		return NewEmptyStorage(cfg.Name), nil
	}
	switch cfg.StorageType {
	case config.StorageMem:
		return NewMemoryStorage(cfg.Name), nil
	case config.StorageLocal:
		return NewLocalStorage(cfg.Name, cfg.StorageDir)
	case config.StorageExternal:
		return NewExternalStorage(cfg.Name, cfg.StorageURI)
	default:
		return nil, cerror.ErrUnknownStorageType.GenWithStackByArgs(cfg.StorageType)
	}
}
