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
	"sync"

	"github.com/driftflow/driftflow/task/recovery"
	"go.uber.org/atomic"
)

type testGate struct {
	stateConsumed chan struct{}
	requested     *atomic.Int32
}

func newTestGate(consumed bool) *testGate {
	g := &testGate{
		stateConsumed: make(chan struct{}),
		requested:     atomic.NewInt32(0),
	}
	if consumed {
		close(g.stateConsumed)
	}
	return g
}

func (g *testGate) RequestPartitions() error {
	g.requested.Inc()
	return nil
}

func (g *testGate) StateConsumed() <-chan struct{} { return g.stateConsumed }

type emission struct {
	partition uint16
	payload   []byte
}

type testOutput struct {
	mu        sync.Mutex
	emissions []emission
}

func (o *testOutput) Emit(partition uint16, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emissions = append(o.emissions, emission{
		partition: partition,
		payload:   append([]byte(nil), payload...),
	})
	return nil
}

func (o *testOutput) snapshot() []emission {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]emission, len(o.emissions))
	copy(out, o.emissions)
	return out
}

// testChain is a one-operator chain: each unit of input is one byte slice
// that the operator emits verbatim to partition 0.
type testChain struct {
	mu        sync.Mutex
	queue     [][]byte
	endOfIn   bool
	available chan struct{}

	opened        bool
	closedOps     bool
	disposedOps   int
	flushed       bool
	events        []interface{}
	opEvents      []string
	maxWatermarks int
}

func newTestChain() *testChain { return &testChain{} }

func (c *testChain) Push(data ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, data...)
	c.signalLocked()
}

func (c *testChain) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endOfIn = true
	c.signalLocked()
}

func (c *testChain) signalLocked() {
	if c.available != nil {
		close(c.available)
		c.available = nil
	}
}

func (c *testChain) InitializeStateAndOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

func (c *testChain) ProcessInput(out recovery.PartitionOutput) (InputStatus, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		data := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return InputStatusMoreAvailable, out.Emit(0, data)
	}
	defer c.mu.Unlock()
	if c.endOfIn {
		return InputStatusEndOfInput, nil
	}
	return InputStatusNothingAvailable, nil
}

func (c *testChain) Available() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 || c.endOfIn {
		done := make(chan struct{})
		close(done)
		return done
	}
	if c.available == nil {
		c.available = make(chan struct{})
	}
	return c.available
}

func (c *testChain) CloseOperators() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedOps = true
	return nil
}

func (c *testChain) DisposeOperators() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposedOps++
	return nil
}

func (c *testChain) FlushOutputs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = true
	return nil
}

func (c *testChain) DispatchOperatorEvent(operatorID string, event []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opEvents = append(c.opEvents, operatorID+":"+string(event))
	return nil
}

func (c *testChain) BroadcastEvent(event interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *testChain) EmitMaxWatermark() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxWatermarks++
	return nil
}

func (c *testChain) disposeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposedOps
}

type coordinatorCall struct {
	kind         string
	checkpointID uint64
}

type testCoordinator struct {
	mu    sync.Mutex
	calls []coordinatorCall
}

func (c *testCoordinator) CheckpointState(meta CheckpointMetadata, opts CheckpointOptions, isRunning func() bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, coordinatorCall{kind: "state", checkpointID: meta.ID})
	return nil
}

func (c *testCoordinator) NotifyCheckpointComplete(checkpointID uint64, isRunning func() bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, coordinatorCall{kind: "complete", checkpointID: checkpointID})
	return nil
}

func (c *testCoordinator) NotifyCheckpointAborted(checkpointID uint64, isRunning func() bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, coordinatorCall{kind: "aborted", checkpointID: checkpointID})
	return nil
}

func (c *testCoordinator) snapshot() []coordinatorCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coordinatorCall, len(c.calls))
	copy(out, c.calls)
	return out
}

type testEnv struct {
	info     TaskInfo
	gates    []InputGate
	output   *testOutput
	mu       sync.Mutex
	failures []error
	declined []uint64
}

func newTestEnv(name string, gates ...InputGate) *testEnv {
	return &testEnv{
		info:   TaskInfo{JobVertexID: "v1", TaskName: name, SubtaskIndex: 0},
		gates:  gates,
		output: &testOutput{},
	}
}

func (e *testEnv) TaskInfo() TaskInfo { return e.info }

func (e *testEnv) InputGates() []InputGate { return e.gates }

func (e *testEnv) PartitionOutput() recovery.PartitionOutput { return e.output }

func (e *testEnv) FailExternally(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, err)
}

func (e *testEnv) DeclineCheckpoint(checkpointID uint64, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.declined = append(e.declined, checkpointID)
}
