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

// Package recovery implements the deterministic-replay log: every
// scheduling decision and every outbound record of a subtask is written
// under a monotonic step number, and on restart the same steps are driven
// back through the scheduler before live execution resumes.
package recovery

import (
	"sync"

	"go.uber.org/atomic"
)

// StepCursor tracks the monotonic step numbering of one subtask instance.
// It holds the recovery target (the last step that was durable in the log
// at startup) and the step the run has currently reached. Recovery is
// complete once the current step reaches the target; on a fresh log it is
// complete from the start.
type StepCursor struct {
	target  uint64
	current *atomic.Uint64

	recoveredOnce sync.Once
	recovered     chan struct{}
}

// NewStepCursor returns a cursor whose recovery target is the given last
// durable step, zero meaning an empty log.
func NewStepCursor(lastDurableStep uint64) *StepCursor {
	c := &StepCursor{
		target:    lastDurableStep,
		current:   atomic.NewUint64(0),
		recovered: make(chan struct{}),
	}
	if c.target == 0 {
		c.complete()
	}
	return c
}

// Target returns the recovery target step.
func (c *StepCursor) Target() uint64 { return c.target }

// Current returns the step the run has reached.
func (c *StepCursor) Current() uint64 { return c.current.Load() }

// Next assigns the next live step number. Live steps continue past the
// target, so every live step is strictly greater than anything already in
// the log.
func (c *StepCursor) Next() uint64 {
	return c.current.Inc()
}

// ObserveReplayed moves the cursor to a step consumed from the log during
// replay and flips recovery completion when the target is reached.
func (c *StepCursor) ObserveReplayed(step uint64) {
	c.current.Store(step)
	if step >= c.target {
		c.complete()
	}
}

// RecoveryCompleted reports whether replay has caught up with the target.
// It transitions from false to true exactly once.
func (c *StepCursor) RecoveryCompleted() bool {
	select {
	case <-c.recovered:
		return true
	default:
		return false
	}
}

// WaitRecovered returns a channel closed once recovery completes.
func (c *StepCursor) WaitRecovered() <-chan struct{} {
	return c.recovered
}

func (c *StepCursor) complete() {
	c.recoveredOnce.Do(func() {
		if c.current.Load() < c.target {
			c.current.Store(c.target)
		}
		close(c.recovered)
	})
}
