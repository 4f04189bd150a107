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

// Package task drives one operator chain of a stream job: a single task
// thread owns all operator state, external signals arrive as mails, and
// every nondeterministic scheduling step is written to a replay log so a
// restarted subtask reproduces its history byte for byte.
package task

import (
	"github.com/driftflow/driftflow/task/recovery"
)

// TaskInfo identifies one subtask of a job vertex.
type TaskInfo struct {
	JobVertexID  string
	TaskName     string
	SubtaskIndex int
}

// InputStatus is what the operator chain reports after one unit of input
// processing.
type InputStatus int

// Input statuses.
const (
	// InputStatusMoreAvailable means the chain can process more input right
	// away.
	InputStatusMoreAvailable InputStatus = iota
	// InputStatusNothingAvailable means no input is ready; the default
	// action must suspend until the chain signals availability.
	InputStatusNothingAvailable
	// InputStatusEndOfInput means the input is exhausted for good.
	InputStatusEndOfInput
)

// InputGate is one upstream network gate. Internals (buffers, channel
// state) live outside this runtime.
type InputGate interface {
	// RequestPartitions asks the upstream partitions to start streaming.
	RequestPartitions() error
	// StateConsumed returns a channel closed once the gate has finished
	// consuming its recovered channel state.
	StateConsumed() <-chan struct{}
}

// OperatorChain is the linear sequence of operators owned by this
// subtask. Operator business logic is opaque to the runtime; the chain
// only exposes the lifecycle hooks the task thread drives.
type OperatorChain interface {
	// InitializeStateAndOpen restores operator state and opens operators
	// head to tail.
	InitializeStateAndOpen() error
	// ProcessInput performs one unit of work, emitting records through
	// out.
	ProcessInput(out recovery.PartitionOutput) (InputStatus, error)
	// Available returns a channel closed once input may be available
	// again after an InputStatusNothingAvailable.
	Available() <-chan struct{}
	// CloseOperators closes operators head to tail on a clean exit.
	CloseOperators() error
	// DisposeOperators disposes operators tail to head.
	DisposeOperators() error
	// FlushOutputs flushes all buffered output data.
	FlushOutputs() error
	// DispatchOperatorEvent hands a coordinator event to one operator.
	DispatchOperatorEvent(operatorID string, event []byte) error
	// BroadcastEvent sends an in-band event to all downstream partitions.
	BroadcastEvent(event interface{}) error
	// EmitMaxWatermark advances event time to the end of time so all
	// registered timers fire.
	EmitMaxWatermark() error
}

// CheckpointCoordinator snapshots the operator chain. The distributed
// coordination above the subtask is out of scope; this is its local arm.
type CheckpointCoordinator interface {
	CheckpointState(meta CheckpointMetadata, opts CheckpointOptions, isRunning func() bool) error
	NotifyCheckpointComplete(checkpointID uint64, isRunning func() bool) error
	NotifyCheckpointAborted(checkpointID uint64, isRunning func() bool) error
}

// Environment is everything the hosting worker provides to one subtask.
type Environment interface {
	TaskInfo() TaskInfo
	InputGates() []InputGate
	// PartitionOutput is the downstream network partition surface all
	// operator emissions go through.
	PartitionOutput() recovery.PartitionOutput
	// FailExternally reports a failure detected outside the task thread.
	FailExternally(err error)
	// DeclineCheckpoint tells the coordinator a checkpoint cannot happen.
	DeclineCheckpoint(checkpointID uint64, cause error)
}
