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
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/recovery/writer"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// noSavepoint marks the synchronous-savepoint slots as empty.
const noSavepoint int64 = -1

// CheckpointMetadata identifies one checkpoint attempt.
type CheckpointMetadata struct {
	ID        uint64
	Timestamp int64
}

// CheckpointOptions select the checkpoint flavor.
type CheckpointOptions struct {
	// Synchronous makes this a stop-with-savepoint: after snapshotting,
	// the task blocks in a mail-only loop until completion or abort.
	Synchronous bool
	// ShouldAdvanceToEndOfTime emits the max watermark before the
	// snapshot so every registered timer fires.
	ShouldAdvanceToEndOfTime bool
	// ShouldIgnoreEndOfInput keeps end-of-partition events from finishing
	// the task while the savepoint is in flight.
	ShouldIgnoreEndOfInput bool
}

// CancelCheckpointMarker is broadcast downstream when this subtask cannot
// take part in a checkpoint, so consumers stop waiting for its barrier.
type CancelCheckpointMarker struct {
	CheckpointID uint64
}

// CheckpointTriggerResult is delivered on the future returned by
// TriggerCheckpointAsync.
type CheckpointTriggerResult struct {
	Success bool
	Err     error
}

// TriggerCheckpointAsync enqueues a "checkpoint" mail and returns a future
// with the outcome. Coordinator threads call this; nothing runs here on
// the caller.
func (t *SubTask) TriggerCheckpointAsync(meta CheckpointMetadata, opts CheckpointOptions) <-chan CheckpointTriggerResult {
	result := make(chan CheckpointTriggerResult, 1)
	err := t.mainExecutor.Execute(func() error {
		success, err := t.triggerCheckpoint(meta, opts)
		result <- CheckpointTriggerResult{Success: success, Err: err}
		return err
	}, mailCheckpoint,
		meta.ID, meta.Timestamp,
		opts.Synchronous, opts.ShouldAdvanceToEndOfTime, opts.ShouldIgnoreEndOfInput)
	if err != nil {
		result <- CheckpointTriggerResult{Err: err}
	}
	return result
}

// triggerCheckpoint runs on the task thread.
func (t *SubTask) triggerCheckpoint(meta CheckpointMetadata, opts CheckpointOptions) (success bool, err error) {
	log.Info("starting checkpoint",
		zap.String("task", t.Name()),
		zap.Uint64("checkpointID", meta.ID),
		zap.Bool("synchronous", opts.Synchronous))

	if !t.IsRunning() {
		// Cannot take part: let downstream know not to wait for our
		// barrier. The operator chain may not even exist yet.
		if bErr := t.broadcastCancelMarker(meta.ID); bErr != nil {
			log.Warn("broadcasting cancel checkpoint marker failed",
				zap.String("task", t.Name()), zap.Error(bErr))
		}
		t.env.DeclineCheckpoint(meta.ID, cerror.ErrCheckpointFailed.GenWithStackByArgs(meta.ID, t.Name()))
		return false, nil
	}

	err = t.performCheckpoint(meta, opts)
	if err != nil {
		if t.IsRunning() {
			return false, cerror.WrapError(cerror.ErrCheckpointFailed, err, meta.ID, t.Name())
		}
		log.Debug("checkpoint failed while the task was not running",
			zap.String("task", t.Name()),
			zap.Uint64("checkpointID", meta.ID), zap.Error(err))
		return false, nil
	}

	if opts.Synchronous {
		if err := t.runSynchronousSavepointMailboxLoop(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *SubTask) performCheckpoint(meta CheckpointMetadata, opts CheckpointOptions) error {
	if opts.Synchronous {
		t.setSynchronousSavepoint(meta.ID, opts.ShouldIgnoreEndOfInput)
		if opts.ShouldAdvanceToEndOfTime {
			if err := t.chain.EmitMaxWatermark(); err != nil {
				return err
			}
		}
	} else if active := t.activeSyncSavepoint.Load(); active != noSavepoint && uint64(active) < meta.ID {
		// A regular checkpoint overtaking an aborted savepoint clears it.
		t.activeSyncSavepoint.Store(noSavepoint)
		t.ignoreEndOfInput = false
	}

	// The boundary record splits the output log at this checkpoint, so a
	// later completion can discard exactly the outputs it covers.
	if t.liveLogging() {
		step := t.cursor.Next()
		if err := t.writer.Append(writer.CheckpointRecord(step, meta.ID)); err != nil {
			return err
		}
	}

	return t.coordinator.CheckpointState(meta, opts, t.IsRunning)
}

// runSynchronousSavepointMailboxLoop keeps the task thread inside a
// mail-only loop, yielding to high-priority mails, until the savepoint
// completes or aborts.
func (t *SubTask) runSynchronousSavepointMailboxLoop() error {
	for !t.isCanceled() && t.syncSavepointID.Load() != noSavepoint {
		if err := t.highExecutor.Yield(); err != nil {
			return err
		}
	}
	return nil
}

// NotifyCheckpointCompleteAsync enqueues a high-priority "checkpoint
// complete" mail. The returned future completes once the notification ran
// on the task thread.
func (t *SubTask) NotifyCheckpointCompleteAsync(checkpointID uint64) <-chan error {
	return t.notifyCheckpointOperation(func() error {
		return t.notifyCheckpointComplete(checkpointID)
	}, mailCheckpointComplete, checkpointID)
}

// NotifyCheckpointAbortAsync enqueues a high-priority "checkpoint aborted"
// mail.
func (t *SubTask) NotifyCheckpointAbortAsync(checkpointID uint64) <-chan error {
	return t.notifyCheckpointOperation(func() error {
		t.resetSynchronousSavepoint(checkpointID, false)
		return t.coordinator.NotifyCheckpointAborted(checkpointID, t.IsRunning)
	}, mailCheckpointAborted, checkpointID)
}

func (t *SubTask) notifyCheckpointOperation(fn func() error, name string, args ...interface{}) <-chan error {
	result := make(chan error, 1)
	err := t.highExecutor.Execute(func() error {
		err := fn()
		result <- err
		return err
	}, name, args...)
	if err != nil {
		result <- err
	}
	return result
}

func (t *SubTask) notifyCheckpointComplete(checkpointID uint64) error {
	t.clearCachedOutput(checkpointID)
	if err := t.coordinator.NotifyCheckpointComplete(checkpointID, t.IsRunning); err != nil {
		return err
	}
	if t.IsRunning() && t.isSynchronousSavepoint(checkpointID) {
		if err := t.finishTaskOnce(); err != nil {
			return err
		}
		// Frees the synchronous savepoint mailbox loop.
		t.resetSynchronousSavepoint(checkpointID, true)
	}
	return nil
}

// clearCachedOutput discards retained outputs covered by the completed
// checkpoint and records the clearing in the log.
func (t *SubTask) clearCachedOutput(checkpointID uint64) {
	boundary, ok := t.writer.BoundaryStep(checkpointID)
	if !ok {
		return
	}
	t.writer.ClearCachedOutput(boundary)
	if t.liveLogging() {
		step := t.cursor.Next()
		if err := t.writer.Append(writer.ClearRecord(step)); err != nil {
			log.Warn("recording output cache clear failed",
				zap.String("task", t.Name()), zap.Error(err))
		}
	}
}

func (t *SubTask) broadcastCancelMarker(checkpointID uint64) error {
	if t.chain == nil {
		return nil
	}
	return t.chain.BroadcastEvent(CancelCheckpointMarker{CheckpointID: checkpointID})
}

func (t *SubTask) setSynchronousSavepoint(checkpointID uint64, ignoreEndOfInput bool) {
	if active := t.syncSavepointID.Load(); active != noSavepoint {
		log.Panic("at most one stop-with-savepoint checkpoint at a time is allowed",
			zap.String("task", t.Name()),
			zap.Int64("active", active),
			zap.Uint64("new", checkpointID))
	}
	t.syncSavepointID.Store(int64(checkpointID))
	t.activeSyncSavepoint.Store(int64(checkpointID))
	t.ignoreEndOfInput = ignoreEndOfInput
}

func (t *SubTask) resetSynchronousSavepoint(checkpointID uint64, succeeded bool) {
	if !succeeded && t.activeSyncSavepoint.Load() == int64(checkpointID) {
		// Allow further end-of-partition events to finish the task.
		t.activeSyncSavepoint.Store(noSavepoint)
		t.ignoreEndOfInput = false
	}
	t.syncSavepointID.Store(noSavepoint)
}

func (t *SubTask) isSynchronousSavepoint(checkpointID uint64) bool {
	return t.syncSavepointID.Load() == int64(checkpointID)
}

// liveLogging reports whether new log records should be appended: logging
// is on and replay has finished.
func (t *SubTask) liveLogging() bool {
	return t.dplog.Enabled() && t.cursor.RecoveryCompleted()
}

// SyncSavepointID returns the in-flight stop-with-savepoint id, if any.
func (t *SubTask) SyncSavepointID() (uint64, bool) {
	id := t.syncSavepointID.Load()
	if id == noSavepoint {
		return 0, false
	}
	return uint64(id), true
}
