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
	"github.com/driftflow/driftflow/task/recovery/writer"
	"go.uber.org/atomic"
)

// PartitionOutput is the downstream network partition surface. The real
// implementation hands bytes to the network stack; tests capture them.
type PartitionOutput interface {
	Emit(partition uint16, payload []byte) error
}

// DataLogManager intercepts every outbound record on its way into a
// partition. On the live path it assigns the record a step number and
// appends an OutputEmitted log entry before forwarding. During recovery it
// suppresses live emissions entirely; the bytes a replayed operator would
// produce are replaced with the logged ones, so downstream state is
// bit-identical no matter whether the operator is deterministic.
type DataLogManager struct {
	writer  *writer.AsyncLogWriter
	cursor  *StepCursor
	out     PartitionOutput
	enabled *atomic.Bool
}

// NewDataLogManager wires the output interceptor in front of out.
func NewDataLogManager(w *writer.AsyncLogWriter, cursor *StepCursor, out PartitionOutput) *DataLogManager {
	return &DataLogManager{
		writer:  w,
		cursor:  cursor,
		out:     out,
		enabled: atomic.NewBool(false),
	}
}

// Enable turns output logging on.
func (m *DataLogManager) Enable() {
	m.enabled.Store(true)
}

// Enabled reports whether output logging is on.
func (m *DataLogManager) Enabled() bool {
	return m.enabled.Load()
}

// Emit implements PartitionOutput, so the manager can front the real
// partition surface wherever operators emit.
func (m *DataLogManager) Emit(partition uint16, payload []byte) error {
	return m.OnEmit(partition, payload)
}

// OnEmit is called for every record about to be pushed into a partition.
func (m *DataLogManager) OnEmit(partition uint16, payload []byte) error {
	if !m.enabled.Load() {
		return m.out.Emit(partition, payload)
	}
	if !m.cursor.RecoveryCompleted() {
		// Replay in progress: the logged copy of this output is emitted by
		// the replay driver, the live one is dropped.
		return nil
	}
	step := m.cursor.Next()
	if err := m.writer.Append(writer.OutputRecord(step, partition, payload)); err != nil {
		return err
	}
	return m.out.Emit(partition, payload)
}

// emitReplayed pushes a logged output to the partition during replay.
func (m *DataLogManager) emitReplayed(r *writer.Record) error {
	return m.out.Emit(r.Partition, r.Payload)
}
