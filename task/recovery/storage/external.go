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
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
)

const externalOpTimeout = 30 * time.Second

// ExternalStorage keeps the log as a single object in a remote store
// (s3, gcs, hdfs-style filesystems, whatever br storage can reach).
// Remote object stores do not append, so the stream buffers locally and
// uploads the whole object on Sync.
type ExternalStorage struct {
	name  string
	key   string
	extra storage.ExternalStorage
}

// NewExternalStorage opens the remote store at uri for log name.
func NewExternalStorage(name, uri string) (*ExternalStorage, error) {
	backend, err := storage.ParseBackend(uri, nil)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), externalOpTimeout)
	defer cancel()
	extra, err := storage.New(ctx, backend, &storage.ExternalStorageOptions{
		SendCredentials: false,
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return &ExternalStorage{
		name:  name,
		key:   name + ".log",
		extra: extra,
	}, nil
}

// Name implements LogStorage.
func (s *ExternalStorage) Name() string { return s.name }

// OpenRead implements LogStorage.
func (s *ExternalStorage) OpenRead() (io.ReadCloser, error) {
	var data []byte
	err := s.retry(func(ctx context.Context) error {
		exists, err := s.extra.FileExists(ctx, s.key)
		if err != nil {
			return err
		}
		if !exists {
			data = nil
			return nil
		}
		data, err = s.extra.ReadFile(ctx, s.key)
		return err
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenAppend implements LogStorage. Appends accumulate in a local buffer
// seeded with the current remote contents; Sync uploads the full object.
func (s *ExternalStorage) OpenAppend() (AppendStream, error) {
	rd, err := s.OpenRead()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	existing, err := io.ReadAll(rd)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return &externalAppend{
		store: s,
		buf:   bytes.NewBuffer(existing),
	}, nil
}

// Exists implements LogStorage.
func (s *ExternalStorage) Exists() (bool, error) {
	var exists bool
	err := s.retry(func(ctx context.Context) error {
		var err error
		exists, err = s.extra.FileExists(ctx, s.key)
		return err
	})
	if err != nil {
		return false, cerror.WrapError(cerror.ErrStorageIO, err)
	}
	return exists, nil
}

// Clear implements LogStorage.
func (s *ExternalStorage) Clear() error {
	err := s.retry(func(ctx context.Context) error {
		return s.extra.WriteFile(ctx, s.key, nil)
	})
	return cerror.WrapError(cerror.ErrStorageIO, err)
}

// Delete implements LogStorage.
func (s *ExternalStorage) Delete() error {
	err := s.retry(func(ctx context.Context) error {
		exists, err := s.extra.FileExists(ctx, s.key)
		if err != nil || !exists {
			return err
		}
		return s.extra.DeleteFile(ctx, s.key)
	})
	return cerror.WrapError(cerror.ErrStorageIO, err)
}

func (s *ExternalStorage) retry(op func(context.Context) error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), externalOpTimeout)
		defer cancel()
		return op(ctx)
	}, bo)
}

type externalAppend struct {
	store *ExternalStorage
	buf   *bytes.Buffer
}

func (a *externalAppend) Write(p []byte) (int, error) {
	return a.buf.Write(p)
}

func (a *externalAppend) Sync() error {
	err := a.store.retry(func(ctx context.Context) error {
		return a.store.extra.WriteFile(ctx, a.store.key, a.buf.Bytes())
	})
	return cerror.WrapError(cerror.ErrStorageIO, err)
}

func (a *externalAppend) Close() error {
	return a.Sync()
}
