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
	"testing"

	"github.com/driftflow/driftflow/pkg/config"
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, s LogStorage) {
	exists, err := s.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	// Reading a nonexistent log yields an empty stream.
	rd, err := s.OpenRead()
	require.NoError(t, err)
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NoError(t, rd.Close())

	// Clear on a nonexistent log is a no-op.
	require.NoError(t, s.Clear())

	w, err := s.OpenAppend()
	require.NoError(t, err)
	_, err = w.Write([]byte("alpha"))
	require.NoError(t, err)
	_, err = w.Write([]byte("beta"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	exists, err = s.Exists()
	require.NoError(t, err)
	require.True(t, exists)

	rd, err = s.OpenRead()
	require.NoError(t, err)
	data, err = io.ReadAll(rd)
	require.NoError(t, err)
	require.Equal(t, "alphabeta", string(data))
	require.NoError(t, rd.Close())

	// Reopening for append continues the historical sequence.
	w, err = s.OpenAppend()
	require.NoError(t, err)
	_, err = w.Write([]byte("gamma"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err = s.OpenRead()
	require.NoError(t, err)
	data, err = io.ReadAll(rd)
	require.NoError(t, err)
	require.Equal(t, "alphabetagamma", string(data))
	require.NoError(t, rd.Close())

	require.NoError(t, s.Clear())
	exists, err = s.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Delete())
}

func TestMemoryStorage(t *testing.T) {
	t.Parallel()
	testBackend(t, NewMemoryStorage("mem-backend-test"))
}

func TestMemoryStorageSurvivesReopen(t *testing.T) {
	t.Parallel()

	first := NewMemoryStorage("mem-reopen-test")
	w, err := first.OpenAppend()
	require.NoError(t, err)
	_, err = w.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A new instance under the same name sees the same log.
	second := NewMemoryStorage("mem-reopen-test")
	rd, err := second.OpenRead()
	require.NoError(t, err)
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(data))
	require.NoError(t, second.Delete())
}

func TestLocalStorage(t *testing.T) {
	t.Parallel()
	s, err := NewLocalStorage("local-backend-test", t.TempDir())
	require.NoError(t, err)
	testBackend(t, s)
}

func TestEmptyStorage(t *testing.T) {
	t.Parallel()

	s := NewEmptyStorage("empty-test")
	w, err := s.OpenAppend()
	require.NoError(t, err)
	_, err = w.Write([]byte("dropped"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	exists, err := s.Exists()
	require.NoError(t, err)
	require.False(t, exists)
}

func TestNewByConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Name = "factory-test"
	require.NoError(t, cfg.ValidateAndAdjust())

	// Logging disabled picks the discarding backend regardless of type.
	s, err := New(cfg)
	require.NoError(t, err)
	require.IsType(t, &EmptyStorage{}, s)

	cfg.EnableLogging = true
	s, err = New(cfg)
	require.NoError(t, err)
	require.IsType(t, &MemoryStorage{}, s)

	cfg.StorageType = config.StorageLocal
	cfg.StorageDir = t.TempDir()
	s, err = New(cfg)
	require.NoError(t, err)
	require.IsType(t, &LocalStorage{}, s)

	cfg.StorageType = "bogus"
	_, err = New(cfg)
	require.True(t, cerror.ErrUnknownStorageType.Equal(err))
}
