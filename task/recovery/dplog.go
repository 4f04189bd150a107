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

package recovery

import (
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/recovery/storage"
	"github.com/driftflow/driftflow/task/recovery/writer"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DPLogManager records every mail scheduling decision and, after a
// restart, drives the scheduler off the recorded log. While recovery is
// active the mailbox processor yields each scheduling decision to
// ReplayNext instead of consulting its live queues.
type DPLogManager struct {
	writer   *writer.AsyncLogWriter
	resolver *MailResolver
	cursor   *StepCursor
	datalog  *DataLogManager

	enabled *atomic.Bool

	// replay state, task thread only
	records []*writer.Record
	pos     int
}

// NewDPLogManager loads the existing log from store and prepares replay.
// The cursor's recovery target and the loaded records come from the same
// snapshot of the log, taken before any live append.
func NewDPLogManager(
	store storage.LogStorage,
	w *writer.AsyncLogWriter,
	resolver *MailResolver,
	cursor *StepCursor,
	datalog *DataLogManager,
) (*DPLogManager, error) {
	var records []*writer.Record
	if cursor.Target() > 0 {
		rd, err := store.OpenRead()
		if err != nil {
			return nil, err
		}
		defer rd.Close()
		records, err = writer.ReadAll(rd)
		if err != nil {
			return nil, cerror.WrapError(cerror.ErrRecoveryFailed, err)
		}
	}
	return &DPLogManager{
		writer:   w,
		resolver: resolver,
		cursor:   cursor,
		datalog:  datalog,
		enabled:  atomic.NewBool(false),
		records:  records,
	}, nil
}

// Enable turns decision logging on. It is called after gate recovery so
// that pre-run initialization mails are not recorded.
func (m *DPLogManager) Enable() {
	m.enabled.Store(true)
}

// Enabled reports whether decision logging is on.
func (m *DPLogManager) Enabled() bool {
	return m.enabled.Load()
}

// RecoveryCompleted delegates to the step cursor.
func (m *DPLogManager) RecoveryCompleted() bool {
	return m.cursor.RecoveryCompleted()
}

// Replaying reports whether the scheduler must take its next decision from
// the log rather than from the live mailbox.
func (m *DPLogManager) Replaying() bool {
	return m.enabled.Load() && !m.cursor.RecoveryCompleted()
}

// OnMailEnqueued records a live mail execution decision under the next
// step number. Mails whose arguments cannot be serialized must not reach
// here; they are rejected so the log never holds an unreplayable entry.
func (m *DPLogManager) OnMailEnqueued(name string, args []interface{}) error {
	if !m.enabled.Load() || !m.cursor.RecoveryCompleted() {
		return nil
	}
	encoded := make([][]byte, 0, len(args))
	for _, arg := range args {
		data, err := writer.MarshalArg(arg)
		if err != nil {
			return cerror.ErrMailNotSerializable.Wrap(err).GenWithStackByArgs(name)
		}
		encoded = append(encoded, data)
	}
	step := m.cursor.Next()
	return m.writer.Append(writer.MailRecord(step, name, encoded))
}

// ReplayNext consumes log records up to and including the next mail, then
// executes that mail exactly as the original run did: outputs recorded
// between mails are re-emitted to their partitions first, then the mail
// handler resolved by name runs on the task thread. It returns false once
// the log is exhausted and recovery has completed.
func (m *DPLogManager) ReplayNext() (bool, error) {
	for m.pos < len(m.records) {
		r := m.records[m.pos]
		m.pos++
		m.cursor.ObserveReplayed(r.Step)
		replayedSteps.Inc()

		switch r.Tag {
		case writer.TagOutput:
			if err := m.datalog.emitReplayed(r); err != nil {
				return false, cerror.WrapError(cerror.ErrRecoveryFailed, err)
			}
		case writer.TagCheckpoint, writer.TagClear:
			// Boundary bookkeeping was rebuilt by the writer when the log
			// was scanned; nothing runs here.
		case writer.TagMail:
			handler, err := m.resolver.Resolve(r.Name)
			if err != nil {
				return false, cerror.WrapError(cerror.ErrRecoveryFailed, err)
			}
			args := make([]interface{}, 0, len(r.Args))
			for _, data := range r.Args {
				arg, err := writer.UnmarshalArg(data)
				if err != nil {
					return false, cerror.WrapError(cerror.ErrRecoveryFailed, err)
				}
				args = append(args, arg)
			}
			log.Debug("replaying mail",
				zap.Uint64("step", r.Step), zap.String("name", r.Name))
			if err := handler(args); err != nil {
				return false, err
			}
			return m.pos < len(m.records) || !m.cursor.RecoveryCompleted(), nil
		}
	}
	if !m.cursor.RecoveryCompleted() {
		return false, cerror.ErrRecoveryFailed.GenWithStack(
			"replay log exhausted at step %d before recovery target %d",
			m.cursor.Current(), m.cursor.Target())
	}
	return false, nil
}
