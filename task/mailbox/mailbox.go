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

package mailbox

import (
	"sync"

	"github.com/edwingeng/deque"

	cerror "github.com/driftflow/driftflow/pkg/errors"
)

// State is the lifecycle state of a TaskMailbox. Transitions are one-way:
// Open -> Quiesced -> Closed.
type State int32

// Mailbox states.
const (
	Open State = iota
	Quiesced
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Quiesced:
		return "Quiesced"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// TaskMailbox is the two-level priority FIFO owned by one subtask.
// Multiple producers put mails from any thread; only the task thread
// takes. Put is rejected unless the mailbox is Open; Take blocks while
// the mailbox is empty and returns false once it is Closed.
type TaskMailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	high  deque.Deque
	deflt deque.Deque
	state State
}

// NewTaskMailbox returns an Open mailbox.
func NewTaskMailbox() *TaskMailbox {
	mb := &TaskMailbox{
		high:  deque.NewDeque(),
		deflt: deque.NewDeque(),
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Put enqueues a mail at its priority. It fails on a non-Open mailbox.
func (mb *TaskMailbox) Put(m *Mail) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.state != Open {
		return cerror.ErrMailboxClosed.GenWithStackByArgs(m.Name())
	}
	if m.Priority() == HighPriority {
		mb.high.PushBack(m)
	} else {
		mb.deflt.PushBack(m)
	}
	mb.cond.Signal()
	return nil
}

// Take removes the next mail at or above the given priority, blocking
// while none is available. It returns false as a shutdown sentinel once
// the mailbox is Closed.
func (mb *TaskMailbox) Take(priority Priority) (*Mail, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if m := mb.takeLocked(priority); m != nil {
			return m, true
		}
		if mb.state == Closed {
			return nil, false
		}
		mb.cond.Wait()
	}
}

// TryTake is the non-blocking Take.
func (mb *TaskMailbox) TryTake(priority Priority) (*Mail, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.takeLocked(priority)
	return m, m != nil
}

// TryTakeHighPriority removes the next high-priority mail if any.
func (mb *TaskMailbox) TryTakeHighPriority() (*Mail, bool) {
	return mb.TryTake(HighPriority)
}

func (mb *TaskMailbox) takeLocked(priority Priority) *Mail {
	if !mb.high.Empty() {
		return mb.high.PopFront().(*Mail)
	}
	if priority <= DefaultPriority && !mb.deflt.Empty() {
		return mb.deflt.PopFront().(*Mail)
	}
	return nil
}

// HasMail reports whether any mail at or above priority is queued.
func (mb *TaskMailbox) HasMail(priority Priority) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.high.Empty() {
		return true
	}
	return priority <= DefaultPriority && !mb.deflt.Empty()
}

// State returns the current lifecycle state.
func (mb *TaskMailbox) State() State {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

// IsAcceptingMails reports whether Put can currently succeed.
func (mb *TaskMailbox) IsAcceptingMails() bool {
	return mb.State() == Open
}

// Quiesce stops accepting new mails; queued mails stay takeable. Calling
// it on a Quiesced mailbox is a no-op; a Closed mailbox stays Closed.
func (mb *TaskMailbox) Quiesce() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.state == Open {
		mb.state = Quiesced
		mb.cond.Broadcast()
	}
}

// Close rejects everything and wakes all waiters. Lingering mails are
// removed and returned so the caller can account for them; they are never
// executed.
func (mb *TaskMailbox) Close() []*Mail {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	dropped := mb.drainLocked()
	mb.state = Closed
	mb.cond.Broadcast()
	return dropped
}

// Drain removes and returns every queued mail in priority order.
func (mb *TaskMailbox) Drain() []*Mail {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.drainLocked()
}

func (mb *TaskMailbox) drainLocked() []*Mail {
	var mails []*Mail
	for !mb.high.Empty() {
		mails = append(mails, mb.high.PopFront().(*Mail))
	}
	for !mb.deflt.Empty() {
		mails = append(mails, mb.deflt.PopFront().(*Mail))
	}
	return mails
}

// wakeAll unblocks every waiter so it can re-check loop conditions.
func (mb *TaskMailbox) wakeAll() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.cond.Broadcast()
}
