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

// Package writer persists replay log records without blocking the task
// thread on storage latency.
package writer

import (
	"sync"
	"time"

	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/recovery/storage"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	running int32 = 0
	stopped int32 = 1
)

// ErrorReporter receives failures raised on the writer goroutine. It must
// not block; implementations usually route into the task's async exception
// handler.
type ErrorReporter func(msg string, err error)

// AsyncLogWriter batches log records and appends them to a LogStorage on a
// dedicated goroutine. Appends from the task thread keep their order. After
// an I/O failure the writer reports the error once and rejects everything.
type AsyncLogWriter struct {
	store    storage.LogStorage
	reporter ErrorReporter

	mu      sync.Mutex
	hasWork *sync.Cond
	pending []*Record
	closing bool

	state    *atomic.Int32
	lastStep uint64
	done     chan error

	cacheOn    *atomic.Bool
	cacheMu    sync.Mutex
	cached     []*Record
	boundaries map[uint64]uint64 // checkpoint id -> boundary step
}

// NewAsyncLogWriter opens store for appending and starts the writer
// goroutine. The returned writer knows the last durably recorded step so
// the step cursor can pick up numbering where the previous run left off.
func NewAsyncLogWriter(store storage.LogStorage, reporter ErrorReporter) (*AsyncLogWriter, error) {
	lastStep, boundaries, err := scanLog(store)
	if err != nil {
		return nil, err
	}
	stream, err := store.OpenAppend()
	if err != nil {
		return nil, err
	}
	w := &AsyncLogWriter{
		store:      store,
		reporter:   reporter,
		state:      atomic.NewInt32(running),
		lastStep:   lastStep,
		done:       make(chan error, 1),
		cacheOn:    atomic.NewBool(false),
		boundaries: boundaries,
	}
	w.hasWork = sync.NewCond(&w.mu)
	go w.run(stream)
	return w, nil
}

// scanLog reads the existing log once to find the last durable step and
// rebuild the checkpoint boundary bookkeeping lost in a crash.
func scanLog(store storage.LogStorage) (uint64, map[uint64]uint64, error) {
	rd, err := store.OpenRead()
	if err != nil {
		return 0, nil, err
	}
	defer rd.Close()
	records, err := ReadAll(rd)
	if err != nil {
		return 0, nil, err
	}
	boundaries := map[uint64]uint64{}
	var lastStep uint64
	for _, r := range records {
		if r.Tag == TagCheckpoint {
			boundaries[r.CheckpointID] = r.Step
		}
		lastStep = r.Step
	}
	return lastStep, boundaries, nil
}

// LastStep returns the highest step number that was durable in the log
// when the writer was opened. Zero means the log was empty.
func (w *AsyncLogWriter) LastStep() uint64 {
	return w.lastStep
}

// Append enqueues a record. It never blocks on storage; ordering of
// appends from one goroutine is preserved. After shutdown or failure it
// returns ErrWriterStopped.
func (w *AsyncLogWriter) Append(r *Record) error {
	if w.state.Load() == stopped {
		return cerror.ErrWriterStopped.GenWithStackByArgs()
	}

	switch r.Tag {
	case TagOutput:
		if w.cacheOn.Load() {
			w.cacheMu.Lock()
			w.cached = append(w.cached, r)
			w.cacheMu.Unlock()
		}
	case TagCheckpoint:
		w.cacheMu.Lock()
		w.boundaries[r.CheckpointID] = r.Step
		w.cacheMu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return cerror.ErrWriterStopped.GenWithStackByArgs()
	}
	w.pending = append(w.pending, r)
	w.hasWork.Signal()
	return nil
}

// EnableOutputCache turns on in-memory retention of emitted output records
// so that a post-crash replay of a not-yet-committed window can re-emit
// the exact bytes.
func (w *AsyncLogWriter) EnableOutputCache() {
	w.cacheOn.Store(true)
}

// BoundaryStep returns the step number of the checkpoint boundary record
// observed for the given checkpoint id.
func (w *AsyncLogWriter) BoundaryStep(checkpointID uint64) (uint64, bool) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	step, ok := w.boundaries[checkpointID]
	return step, ok
}

// ClearCachedOutput discards cached outputs whose step numbers are at or
// before the completed checkpoint's boundary step. Outputs of later
// checkpoints stay cached until their own completion.
func (w *AsyncLogWriter) ClearCachedOutput(boundaryStep uint64) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	kept := w.cached[:0]
	for _, r := range w.cached {
		if r.Step > boundaryStep {
			kept = append(kept, r)
		}
	}
	w.cached = kept
}

// CachedOutputs returns the retained output records in step order.
func (w *AsyncLogWriter) CachedOutputs() []*Record {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	out := make([]*Record, len(w.cached))
	copy(out, w.cached)
	return out
}

// Shutdown stops accepting records and returns a channel that completes
// once every buffered record is durably persisted.
func (w *AsyncLogWriter) Shutdown() <-chan error {
	w.mu.Lock()
	if !w.closing {
		w.closing = true
		w.hasWork.Signal()
	}
	w.mu.Unlock()
	return w.done
}

func (w *AsyncLogWriter) run(stream storage.AppendStream) {
	var failure error
	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.closing {
			w.hasWork.Wait()
		}
		batch := w.pending
		w.pending = nil
		closing := w.closing
		w.mu.Unlock()

		if failure == nil && len(batch) > 0 {
			start := time.Now()
			if err := w.flushBatch(stream, batch); err != nil {
				failure = err
				w.failFast(err)
			}
			flushDuration.Observe(time.Since(start).Seconds())
		}

		if closing {
			w.mu.Lock()
			rest := w.pending
			w.pending = nil
			w.mu.Unlock()
			if failure == nil && len(rest) > 0 {
				if err := w.flushBatch(stream, rest); err != nil {
					failure = err
					w.failFast(err)
				}
			}
			if err := stream.Close(); err != nil && failure == nil {
				failure = err
			}
			w.state.Store(stopped)
			w.done <- failure
			close(w.done)
			return
		}
		if failure != nil {
			// Drop the rest; the writer is fail-fast after the first
			// storage error.
			w.discardUntilClose()
		}
	}
}

func (w *AsyncLogWriter) flushBatch(stream storage.AppendStream, batch []*Record) error {
	var written int
	for _, r := range batch {
		data := EncodeRecord(r)
		if _, err := stream.Write(data); err != nil {
			return err
		}
		written += len(data)
	}
	if err := stream.Sync(); err != nil {
		return err
	}
	bytesAppended.Add(float64(written))
	recordsAppended.Add(float64(len(batch)))
	return nil
}

func (w *AsyncLogWriter) failFast(err error) {
	w.state.Store(stopped)
	log.Error("replay log writer failed, entering fail-fast state",
		zap.String("log", w.store.Name()), zap.Error(err))
	if w.reporter != nil {
		w.reporter("replay log writer failed", err)
	}
}

func (w *AsyncLogWriter) discardUntilClose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
}
