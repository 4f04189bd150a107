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
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// FixedEpochNumber is the barrier epoch used when a control message is
// propagated in epoch mode.
const FixedEpochNumber uint64 = 1<<63 - 1

// ControlMessage is an out-of-band instruction from the job controller.
// The payload is opaque to the runtime and must be serializable, so the
// message can be logged and replayed; the live interpretation is the
// control handler the task was constructed with.
type ControlMessage struct {
	// Payload is the opaque instruction body.
	Payload []byte
	// EpochMode additionally propagates the message downstream inside a
	// barrier carrying FixedEpochNumber.
	EpochMode bool
}

// ControlBarrier is the in-band event that carries an epoch-mode control
// message through the downstream partitions.
type ControlBarrier struct {
	Epoch   uint64
	Message ControlMessage
}

// ControlHandler interprets control messages on the task thread.
type ControlHandler func(msg ControlMessage, info TaskInfo) error

// SendControl enqueues a control message for execution on the task
// thread. Rejections during shutdown are swallowed.
func (t *SubTask) SendControl(msg ControlMessage) {
	err := t.mainExecutor.Execute(func() error {
		return t.handleControl(msg)
	}, mailControl, msg.Payload, msg.EpochMode)
	if err != nil {
		log.Warn("control message rejected by mailbox",
			zap.String("task", t.Name()), zap.Error(err))
	}
}

func (t *SubTask) handleControl(msg ControlMessage) error {
	if t.controlHandler != nil {
		if err := t.controlHandler(msg, t.env.TaskInfo()); err != nil {
			return err
		}
	}
	if msg.EpochMode {
		return t.chain.BroadcastEvent(ControlBarrier{
			Epoch:   FixedEpochNumber,
			Message: msg,
		})
	}
	return nil
}

// Pause delivers a "pause" mail: the loop keeps draining mails but skips
// the default action until Resume.
func (t *SubTask) Pause() {
	log.Info("subtask receives pause", zap.String("task", t.Name()))
	err := t.mainExecutor.Execute(func() error {
		t.processor.Pause()
		return nil
	}, mailPause)
	if err != nil {
		log.Warn("pause rejected by mailbox", zap.String("task", t.Name()), zap.Error(err))
	}
}

// Resume delivers a "resume" mail undoing Pause.
func (t *SubTask) Resume() {
	err := t.mainExecutor.Execute(func() error {
		t.processor.Resume()
		return nil
	}, mailResume)
	if err != nil {
		log.Warn("resume rejected by mailbox", zap.String("task", t.Name()), zap.Error(err))
	}
}

// WaitPaused returns a channel closed once the current pause cycle has
// been reached by the task thread.
func (t *SubTask) WaitPaused() <-chan struct{} {
	return t.processor.WaitPaused()
}

// DispatchOperatorEvent routes a coordinator event to an operator via the
// mailbox. Events arriving after the mailbox stopped accepting mails are
// dropped silently; that only happens during shutdown.
func (t *SubTask) DispatchOperatorEvent(operatorID string, event []byte) {
	_ = t.mainExecutor.Execute(func() error {
		return t.chain.DispatchOperatorEvent(operatorID, event)
	}, mailDispatchOperatorEvent, operatorID, event)
}

// HandleAsyncException fails the task for an external reason. If the task
// is no longer running the failure is swallowed.
func (t *SubTask) HandleAsyncException(msg string, err error) {
	if t.IsRunning() {
		log.Error("async failure", zap.String("task", t.Name()),
			zap.String("context", msg), zap.Error(err))
		t.env.FailExternally(err)
	}
}
