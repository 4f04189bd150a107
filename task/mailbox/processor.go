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
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/recovery"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Internal mail names. They are part of the replay log format.
const (
	mailResumeDefaultAction = "resume default action"
	mailPoison              = "mailbox poison mail"
	mailSuspendLoop         = "suspend mailbox processing"
)

// DefaultAction is the work the task thread performs when the mailbox has
// nothing urgent, usually processing one input record. Implementations
// must not block: when no input is available they suspend themselves via
// the controller and resume once input may exist.
type DefaultAction func(Controller) error

// Controller is handed to the default action for collaborative
// interaction with the processor loop.
type Controller interface {
	// SuspendDefaultAction disables the default action until the returned
	// Suspension is resumed. At most one Suspension is live at a time;
	// repeated calls return the live one.
	SuspendDefaultAction() *Suspension

	// AllActionsCompleted signals end of input; the mailbox loop winds
	// down.
	AllActionsCompleted()
}

// Suspension blocks the default action until Resume is called. Resume may
// be called from any thread; resuming an expired Suspension is a no-op.
type Suspension struct {
	p       *Processor
	id      int64
	resumed *atomic.Bool
}

// Resume re-enables the default action in the mailbox loop.
func (s *Suspension) Resume() {
	if s == nil || !s.resumed.CompareAndSwap(false, true) {
		return
	}
	id := s.id
	err := s.p.put(HighPriority, func() error {
		s.p.resumeDefaultActionInternal(id)
		return nil
	}, mailResumeDefaultAction, id)
	if err != nil {
		// The mailbox is shutting down; the default action will never run
		// again anyway.
		log.Debug("suspension resume rejected by mailbox", zap.Error(err))
	}
}

// Processor is the single-threaded cooperative scheduler of one subtask.
// It interleaves the default action with queued mails, supports pausing
// the default action and suspending the whole loop, and during recovery
// yields each scheduling decision to the deterministic-replay log.
//
// All methods except the explicitly thread-safe ones (Executor handles,
// AllActionsCompleted, WaitPaused, Suspend) must run on the task thread.
type Processor struct {
	mb            *TaskMailbox
	defaultAction DefaultAction
	taskName      string
	dplog         *recovery.DPLogManager

	// task-thread state
	suspendedLoop bool
	suspension    *Suspension
	suspensionSeq int64
	paused        bool

	pausedFuture     *ResettableFuture
	actionsCompleted *atomic.Bool
}

// NewProcessor builds a processor over the given mailbox.
func NewProcessor(defaultAction DefaultAction, mb *TaskMailbox, taskName string) *Processor {
	return &Processor{
		mb:               mb,
		defaultAction:    defaultAction,
		taskName:         taskName,
		pausedFuture:     NewResettableFuture(),
		actionsCompleted: atomic.NewBool(false),
	}
}

// Mailbox returns the underlying mailbox.
func (p *Processor) Mailbox() *TaskMailbox { return p.mb }

// RegisterLogManager attaches the deterministic-replay log and binds the
// processor's internal mail names so they can be resolved during replay.
func (p *Processor) RegisterLogManager(dp *recovery.DPLogManager, resolver *recovery.MailResolver) {
	p.dplog = dp
	resolver.BindArgs(mailResumeDefaultAction, func(args []interface{}) error {
		id, err := recovery.ArgInt64(args, 0)
		if err != nil {
			return err
		}
		p.resumeDefaultActionInternal(id)
		return nil
	})
	resolver.Bind(mailPoison, func() error {
		p.actionsCompleted.Store(true)
		return nil
	})
}

// RunMailboxLoop runs scheduling steps until all actions are completed or
// the loop is suspended.
func (p *Processor) RunMailboxLoop() error {
	p.suspendedLoop = false
	for p.IsMailboxLoopRunning() && !p.suspendedLoop {
		if err := p.RunMailboxStep(); err != nil {
			return err
		}
	}
	return nil
}

// RunMailboxStep performs one scheduling decision: all pending
// high-priority mails, then one default-priority mail or one default
// action. With nothing to do it blocks for the next mail.
func (p *Processor) RunMailboxStep() error {
	if p.dplog != nil && p.dplog.Replaying() {
		_, err := p.dplog.ReplayNext()
		return err
	}

	progressed := false
	for {
		m, ok := p.mb.TryTakeHighPriority()
		if !ok {
			break
		}
		progressed = true
		if err := p.runMail(m); err != nil {
			return err
		}
		if !p.IsMailboxLoopRunning() || p.suspendedLoop {
			return nil
		}
	}

	if m, ok := p.mb.TryTake(DefaultPriority); ok {
		return p.runMail(m)
	}
	if p.defaultActionAvailable() {
		defaultActionsRun.Inc()
		return p.defaultAction(&controller{p: p})
	}
	if progressed {
		return nil
	}

	// Nothing runnable: park until a mail arrives. Pause, resume and
	// suspension all travel as mails, so any state change wakes this up.
	m, ok := p.mb.Take(DefaultPriority)
	if !ok {
		// The mailbox was closed underneath the loop.
		p.actionsCompleted.Store(true)
		return nil
	}
	return p.runMail(m)
}

// IsMailboxLoopRunning reports whether the loop should keep scheduling.
func (p *Processor) IsMailboxLoopRunning() bool {
	return !p.actionsCompleted.Load()
}

// AllActionsCompleted ends the mailbox loop. It is idempotent, callable
// from any thread, and wakes a task thread blocked on an empty mailbox.
func (p *Processor) AllActionsCompleted() {
	if p.actionsCompleted.Load() {
		return
	}
	err := p.put(HighPriority, func() error {
		p.actionsCompleted.Store(true)
		return nil
	}, mailPoison)
	if err != nil {
		// Mailbox already quiesced or closed; the loop is not blocked in
		// take anymore, flipping the flag is enough.
		p.actionsCompleted.Store(true)
		p.mb.wakeAll()
	}
}

// Suspend stops the mailbox loop after the mail in flight; queued mails
// stay queued. RunMailboxLoop resumes processing when called again.
func (p *Processor) Suspend() {
	err := p.put(HighPriority, func() error {
		p.suspendedLoop = true
		return nil
	}, mailSuspendLoop)
	if err != nil {
		log.Warn("suspend request rejected by mailbox",
			zap.String("task", p.taskName), zap.Error(err))
	}
}

// Pause makes the loop skip the default action while continuing to drain
// mails. It runs on the task thread, inside the "pause" mail. The paused
// future completes so external observers see the paused state reached.
func (p *Processor) Pause() {
	p.paused = true
	p.pausedFuture.Complete()
}

// Resume re-enables the default action and re-arms the paused future for
// the next pause cycle.
func (p *Processor) Resume() {
	p.paused = false
	p.pausedFuture.Reset()
}

// IsPaused reports the pause flag. Task thread only.
func (p *Processor) IsPaused() bool { return p.paused }

// WaitPaused returns a channel closed once the current pause cycle is
// reached.
func (p *Processor) WaitPaused() <-chan struct{} {
	return p.pausedFuture.Done()
}

// PrepareClose lets the mailbox reject all new mails from this point.
func (p *Processor) PrepareClose() {
	p.mb.Quiesce()
}

// Drain executes every remaining mail. No new mail can be enqueued once
// the mailbox is quiesced.
func (p *Processor) Drain() error {
	for _, m := range p.mb.Drain() {
		if err := p.runMail(m); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the mailbox; lingering mails are dropped.
func (p *Processor) Close() {
	dropped := p.mb.Close()
	if len(dropped) > 0 {
		log.Info("dropped mails on mailbox close",
			zap.String("task", p.taskName), zap.Int("count", len(dropped)))
	}
}

// Executor returns a thread-safe enqueue handle bound to a priority.
func (p *Processor) Executor(priority Priority) *Executor {
	return &Executor{p: p, priority: priority}
}

// MainExecutor returns the default-priority executor.
func (p *Processor) MainExecutor() *Executor {
	return p.Executor(DefaultPriority)
}

func (p *Processor) defaultActionAvailable() bool {
	return !p.paused && p.suspension == nil
}

func (p *Processor) suspendDefaultAction() *Suspension {
	if p.suspension == nil {
		p.suspensionSeq++
		p.suspension = &Suspension{
			p:       p,
			id:      p.suspensionSeq,
			resumed: atomic.NewBool(false),
		}
	}
	return p.suspension
}

func (p *Processor) resumeDefaultActionInternal(id int64) {
	if p.suspension != nil && p.suspension.id == id {
		p.suspension = nil
	}
}

// runMail records the scheduling decision to the replay log, then
// executes the mail. Loop suspension is pure restore-time control and
// must never appear in the log: replaying it would suspend the recovered
// run mid-replay.
func (p *Processor) runMail(m *Mail) error {
	if p.dplog != nil && m.Name() != mailSuspendLoop {
		if err := p.dplog.OnMailEnqueued(m.Name(), m.Args()); err != nil {
			return err
		}
	}
	mailsProcessed.Inc()
	return m.Run()
}

// controller is the Controller handed to the default action.
type controller struct {
	p *Processor
}

func (c *controller) SuspendDefaultAction() *Suspension {
	return c.p.suspendDefaultAction()
}

func (c *controller) AllActionsCompleted() {
	c.p.AllActionsCompleted()
}

func (p *Processor) put(priority Priority, fn func() error, name string, args ...interface{}) error {
	return p.mb.Put(NewMail(fn, priority, name, args...))
}

// Executor enqueues mails at a fixed priority. It is safe for use from
// any thread.
type Executor struct {
	p        *Processor
	priority Priority
}

// Execute enqueues fn as a mail. It fails with ErrMailboxClosed when the
// mailbox no longer accepts mails; callers may swallow that during
// shutdown.
func (e *Executor) Execute(fn func() error, name string, args ...interface{}) error {
	return e.p.put(e.priority, fn, name, args...)
}

// Yield blocks for the next mail at this executor's priority and runs it
// on the caller's goroutine. It must only be used from the task thread.
func (e *Executor) Yield() error {
	if e.p.dplog != nil && e.p.dplog.Replaying() {
		_, err := e.p.dplog.ReplayNext()
		return err
	}
	m, ok := e.p.mb.Take(e.priority)
	if !ok {
		return cerror.ErrMailboxClosed.GenWithStackByArgs("yield")
	}
	return e.p.runMail(m)
}

// TryYield runs one pending mail at this executor's priority, if any.
func (e *Executor) TryYield() (bool, error) {
	if e.p.dplog != nil && e.p.dplog.Replaying() {
		_, err := e.p.dplog.ReplayNext()
		return true, err
	}
	m, ok := e.p.mb.TryTake(e.priority)
	if !ok {
		return false, nil
	}
	return true, e.p.runMail(m)
}

