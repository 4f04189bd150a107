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
	"fmt"
	"sync"

	"github.com/driftflow/driftflow/pkg/clock"
	"github.com/driftflow/driftflow/pkg/config"
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/mailbox"
	"github.com/driftflow/driftflow/task/recovery"
	"github.com/driftflow/driftflow/task/recovery/storage"
	"github.com/driftflow/driftflow/task/recovery/writer"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mail names frozen into the replay log format. Renaming one is a
// forward-incompatible log format change.
const (
	mailTimerCallback         = "Timer callback"
	mailRequestPartitions     = "Input gate request partitions" // + gate index
	mailDispatchOperatorEvent = "dispatch operator event"
	mailPause                 = "pause"
	mailResume                = "resume"
	mailExp                   = "exp"
	mailControl               = "control"
	mailCheckpoint            = "checkpoint"
	mailCheckpointComplete    = "checkpoint complete"
	mailCheckpointAborted     = "checkpoint aborted"
)

// Option customizes a SubTask.
type Option func(*SubTask)

// WithCancelTask installs the task-specific cancellation hook.
func WithCancelTask(fn func() error) Option {
	return func(t *SubTask) { t.cancelTaskFn = fn }
}

// WithFinishTask installs the hook run exactly once when a synchronous
// savepoint completes.
func WithFinishTask(fn func() error) Option {
	return func(t *SubTask) { t.finishTaskFn = fn }
}

// WithControlHandler installs the live interpreter for control messages.
func WithControlHandler(h ControlHandler) Option {
	return func(t *SubTask) { t.controlHandler = h }
}

// WithTimerService substitutes the timer service.
func WithTimerService(ts TimerService) Option {
	return func(t *SubTask) { t.timerService = ts }
}

// WithClock substitutes the clock, usually with a mock in tests.
func WithClock(clk clock.Clock) Option {
	return func(t *SubTask) { t.clk = clk }
}

// SubTask drives one operator chain on one dedicated task thread. All
// operator and scheduler state is mutated on that thread only; other
// threads communicate through mails. With logging enabled every
// scheduling decision and every emitted record goes to the replay log,
// and a restarted instance replays them before going live.
type SubTask struct {
	cfg   *config.Config
	env   Environment
	chain OperatorChain

	coordinator    CheckpointCoordinator
	timerService   TimerService
	controlHandler ControlHandler
	cancelTaskFn   func() error
	finishTaskFn   func() error
	clk            clock.Clock

	processor    *mailbox.Processor
	mainExecutor *mailbox.Executor
	highExecutor *mailbox.Executor

	store    storage.LogStorage
	writer   *writer.AsyncLogWriter
	cursor   *recovery.StepCursor
	resolver *recovery.MailResolver
	dplog    *recovery.DPLogManager
	datalog  *recovery.DataLogManager

	running  *atomic.Bool
	canceled *atomic.Bool
	failing  *atomic.Bool

	// task-thread state; the savepoint ids are atomics only so external
	// observers can poll them, all writes happen on the task thread.
	disposedOperators   bool
	syncSavepointID     *atomic.Int64
	activeSyncSavepoint *atomic.Int64
	ignoreEndOfInput    bool
	timerCallbacks      map[int64]*DeferredCallback

	cancelables *CloseableRegistry
	finishOnce  sync.Once

	cancelOnce sync.Once
	cancelCh   chan struct{}

	terminationOnce sync.Once
	terminationCh   chan struct{}
	terminationErr  error

	pingStop     chan struct{}
	pingStopOnce sync.Once
	pingWg       sync.WaitGroup
}

// New builds a SubTask. The configuration must already be validated.
func New(
	cfg *config.Config,
	env Environment,
	chain OperatorChain,
	coordinator CheckpointCoordinator,
	opts ...Option,
) (*SubTask, error) {
	t := &SubTask{
		cfg:                 cfg,
		env:                 env,
		chain:               chain,
		coordinator:         coordinator,
		clk:                 clock.New(),
		running:             atomic.NewBool(false),
		canceled:            atomic.NewBool(false),
		failing:             atomic.NewBool(false),
		syncSavepointID:     atomic.NewInt64(noSavepoint),
		activeSyncSavepoint: atomic.NewInt64(noSavepoint),
		timerCallbacks:      map[int64]*DeferredCallback{},
		cancelables:         NewCloseableRegistry(),
		cancelCh:            make(chan struct{}),
		terminationCh:       make(chan struct{}),
		pingStop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.timerService == nil {
		t.timerService = NewClockTimerService(t.clk)
	}

	mb := mailbox.NewTaskMailbox()
	t.processor = mailbox.NewProcessor(t.processInput, mb, cfg.Name)
	t.mainExecutor = t.processor.MainExecutor()
	t.highExecutor = t.processor.Executor(mailbox.HighPriority)

	store, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ClearOldLog {
		if err := store.Clear(); err != nil {
			return nil, err
		}
	}
	t.store = store

	t.writer, err = writer.NewAsyncLogWriter(store, t.HandleAsyncException)
	if err != nil {
		return nil, err
	}
	if cfg.EnableOutputCache {
		log.Info("enabled output cache", zap.String("task", cfg.Name))
		t.writer.EnableOutputCache()
	}

	t.cursor = recovery.NewStepCursor(t.writer.LastStep())
	t.datalog = recovery.NewDataLogManager(t.writer, t.cursor, env.PartitionOutput())
	if cfg.EnableLogging {
		t.datalog.Enable()
	}

	t.resolver = recovery.NewMailResolver()
	t.bindMails()

	t.dplog, err = recovery.NewDPLogManager(store, t.writer, t.resolver, t.cursor, t.datalog)
	if err != nil {
		return nil, err
	}
	t.processor.RegisterLogManager(t.dplog, t.resolver)

	if cfg.ControlDelay > 0 {
		t.startControlPing(cfg.ControlDelay)
	}

	log.Info("subtask created",
		zap.String("task", cfg.Name),
		zap.Bool("loggingEnabled", cfg.EnableLogging),
		zap.Bool("recoveryMode", !t.cursor.RecoveryCompleted()),
		zap.Uint64("recoveryTarget", t.cursor.Target()))
	return t, nil
}

// bindMails registers a replay handler for every mail name the subtask
// recognizes.
func (t *SubTask) bindMails() {
	t.resolver.BindArgs(mailTimerCallback, t.replayTimerCallback)

	for i, gate := range t.env.InputGates() {
		gate := gate
		t.resolver.Bind(fmt.Sprintf("%s%d", mailRequestPartitions, i), gate.RequestPartitions)
	}

	t.resolver.BindArgs(mailDispatchOperatorEvent, func(args []interface{}) error {
		operatorID, err := argStringAt(args, 0)
		if err != nil {
			return err
		}
		event, err := argBytesAt(args, 1)
		if err != nil {
			return err
		}
		return t.chain.DispatchOperatorEvent(operatorID, event)
	})

	t.resolver.Bind(mailPause, func() error {
		t.processor.Pause()
		return nil
	})
	t.resolver.Bind(mailResume, func() error {
		t.processor.Resume()
		return nil
	})
	t.resolver.Bind(mailExp, func() error { return nil })

	t.resolver.BindArgs(mailControl, func(args []interface{}) error {
		payload, err := argBytesAt(args, 0)
		if err != nil {
			return err
		}
		epochMode, err := argBoolAt(args, 1)
		if err != nil {
			return err
		}
		return t.handleControl(ControlMessage{Payload: payload, EpochMode: epochMode})
	})

	t.resolver.BindArgs(mailCheckpoint, func(args []interface{}) error {
		id, err := argInt64At(args, 0)
		if err != nil {
			return err
		}
		timestamp, err := argInt64At(args, 1)
		if err != nil {
			return err
		}
		synchronous, err := argBoolAt(args, 2)
		if err != nil {
			return err
		}
		advance, err := argBoolAt(args, 3)
		if err != nil {
			return err
		}
		ignoreEOI, err := argBoolAt(args, 4)
		if err != nil {
			return err
		}
		_, err = t.triggerCheckpoint(
			CheckpointMetadata{ID: uint64(id), Timestamp: timestamp},
			CheckpointOptions{
				Synchronous:              synchronous,
				ShouldAdvanceToEndOfTime: advance,
				ShouldIgnoreEndOfInput:   ignoreEOI,
			})
		return err
	})
	t.resolver.BindArgs(mailCheckpointComplete, func(args []interface{}) error {
		id, err := argInt64At(args, 0)
		if err != nil {
			return err
		}
		return t.notifyCheckpointComplete(uint64(id))
	})
	t.resolver.BindArgs(mailCheckpointAborted, func(args []interface{}) error {
		id, err := argInt64At(args, 0)
		if err != nil {
			return err
		}
		t.resetSynchronousSavepoint(uint64(id), false)
		return t.coordinator.NotifyCheckpointAborted(uint64(id), t.IsRunning)
	})
}

// processInput is the default action: drive the operator chain once.
func (t *SubTask) processInput(c mailbox.Controller) error {
	status, err := t.chain.ProcessInput(t.datalog)
	if err != nil {
		return err
	}
	switch status {
	case InputStatusMoreAvailable:
		return nil
	case InputStatusEndOfInput:
		if t.ignoreEndOfInput {
			// A synchronous savepoint is draining; the end of input must
			// not finish the task underneath it.
			return nil
		}
		c.AllActionsCompleted()
		return nil
	}

	suspension := c.SuspendDefaultAction()
	available := t.chain.Available()
	go func() {
		select {
		case <-available:
			suspension.Resume()
		case <-t.cancelCh:
		}
	}()
	return nil
}

// Restore brings the subtask from Created to the point where live input
// can start flowing: operators are opened, gate state is consumed, replay
// logging is armed, and one partition request mail per gate is queued.
func (t *SubTask) Restore() error {
	return t.runWithCleanUpOnFail(t.executeRestore)
}

func (t *SubTask) executeRestore() error {
	if t.running.Load() {
		log.Debug("re-restore attempt rejected", zap.String("task", t.Name()))
		return nil
	}
	t.disposedOperators = false
	log.Debug("initializing subtask", zap.String("task", t.Name()))

	if err := t.chain.InitializeStateAndOpen(); err != nil {
		return err
	}
	if err := t.ensureNotCanceled(); err != nil {
		return err
	}

	// Gate recovery runs off-thread; the mailbox loop keeps the task
	// thread responsive until every gate has consumed its state, then the
	// loop suspends itself.
	gates := t.env.InputGates()
	var g errgroup.Group
	for _, gate := range gates {
		gate := gate
		g.Go(func() error {
			select {
			case <-gate.StateConsumed():
				return nil
			case <-t.cancelCh:
				return cerror.ErrTaskCanceled.GenWithStackByArgs(t.Name())
			}
		})
	}
	gatesRecovered := atomic.NewBool(false)
	go func() {
		if err := g.Wait(); err != nil {
			t.HandleAsyncException("gate recovery failed", err)
			t.processor.AllActionsCompleted()
			return
		}
		gatesRecovered.Store(true)
		if t.cfg.EnableLogging {
			t.dplog.Enable()
		}
		t.processor.Suspend()
	}()

	if err := t.processor.RunMailboxLoop(); err != nil {
		return err
	}
	if err := t.ensureNotCanceled(); err != nil {
		return err
	}
	if !gatesRecovered.Load() {
		return cerror.ErrRecoveryFailed.GenWithStack(
			"mailbox loop interrupted before gate recovery was finished")
	}

	for i, gate := range gates {
		gate := gate
		if err := t.mainExecutor.Execute(
			gate.RequestPartitions,
			fmt.Sprintf("%s%d", mailRequestPartitions, i)); err != nil {
			return err
		}
	}

	t.running.Store(true)
	return nil
}

// Invoke runs the subtask to completion: restore if needed, the main
// mailbox loop, the ordered shutdown sequence, and final cleanup.
func (t *SubTask) Invoke() error {
	if err := t.runWithCleanUpOnFail(t.executeInvoke); err != nil {
		return err
	}
	return t.cleanUpInvoke()
}

func (t *SubTask) executeInvoke() error {
	if !t.running.Load() {
		log.Debug("restoring during invoke", zap.String("task", t.Name()))
		if err := t.executeRestore(); err != nil {
			return err
		}
	}
	if err := t.ensureNotCanceled(); err != nil {
		return err
	}

	if err := t.processor.RunMailboxLoop(); err != nil {
		return err
	}

	// The loop may exit because of cancellation; a clean shutdown must
	// not be attempted then.
	if err := t.ensureNotCanceled(); err != nil {
		return err
	}
	return t.afterInvoke()
}

func (t *SubTask) afterInvoke() error {
	log.Debug("finished task", zap.String("task", t.Name()))

	if err := t.chain.CloseOperators(); err != nil {
		return err
	}

	// No new timers, no new mails; only after all operators are closed is
	// the task no longer running.
	t.timerService.Quiesce()
	t.processor.PrepareClose()
	t.running.Store(false)

	// Remaining mails run to completion; nothing new can be enqueued.
	if err := t.processor.Drain(); err != nil {
		return err
	}

	if err := t.chain.FlushOutputs(); err != nil {
		return err
	}
	return t.disposeAllOperators()
}

// cleanUpInvoke releases everything the subtask initialized. It never
// lets a later failure mask an earlier one, and it must not block
// indefinitely: an external watchdog may hard-kill the process if
// shutdown stalls.
func (t *SubTask) cleanUpInvoke() error {
	t.running.Store(false)

	var err error
	t.stopControlPing()
	err = multierr.Append(err, runCatching(func() error {
		t.timerService.Shutdown()
		return nil
	}))
	err = multierr.Append(err, runCatching(t.cancelables.Close))
	err = multierr.Append(err, runCatching(t.disposeAllOperators))
	err = multierr.Append(err, runCatching(func() error {
		t.processor.Close()
		return nil
	}))

	t.terminationOnce.Do(func() {
		t.terminationErr = err
		close(t.terminationCh)
	})
	return err
}

func (t *SubTask) runWithCleanUpOnFail(run func() error) error {
	err := run()
	if err == nil {
		return nil
	}

	t.failing.Store(!t.canceled.Load())
	if !t.canceled.Load() && t.cancelTaskFn != nil {
		if cancelErr := t.cancelTaskFn(); cancelErr != nil {
			err = multierr.Append(err, cancelErr)
		}
	}
	if cleanupErr := t.cleanUpInvoke(); cleanupErr != nil {
		err = multierr.Append(err, cleanupErr)
	}
	return err
}

func runCatching(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during cleanup: %v", r)
		}
	}()
	return fn()
}

// Cancel aborts the subtask from any thread. The returned channel closes
// once termination finished.
func (t *SubTask) Cancel() <-chan struct{} {
	t.running.Store(false)
	t.canceled.Store(true)
	t.cancelOnce.Do(func() {
		close(t.cancelCh)
	})

	// The cancel-task hook comes first, the cancelables are closed no
	// matter what.
	if t.cancelTaskFn != nil {
		if err := t.cancelTaskFn(); err != nil {
			log.Warn("cancel task hook failed", zap.String("task", t.Name()), zap.Error(err))
		}
	}
	t.processor.AllActionsCompleted()
	if err := t.cancelables.Close(); err != nil {
		log.Warn("closing cancelables failed", zap.String("task", t.Name()), zap.Error(err))
	}
	return t.terminationCh
}

// Shutdown stops background helpers and flushes the replay log. The
// returned channel completes once all buffered records are durable.
func (t *SubTask) Shutdown() <-chan error {
	t.stopControlPing()
	return t.writer.Shutdown()
}

func (t *SubTask) disposeAllOperators() error {
	if t.chain == nil || t.disposedOperators {
		return nil
	}
	err := t.chain.DisposeOperators()
	t.disposedOperators = true
	return err
}

func (t *SubTask) finishTaskOnce() error {
	var err error
	t.finishOnce.Do(func() {
		if t.finishTaskFn != nil {
			err = t.finishTaskFn()
		}
	})
	return err
}

func (t *SubTask) ensureNotCanceled() error {
	if t.canceled.Load() {
		return cerror.ErrTaskCanceled.GenWithStackByArgs(t.Name())
	}
	return nil
}

// Name returns the subtask instance name.
func (t *SubTask) Name() string { return t.cfg.Name }

// IsRunning reports whether the subtask is in operation.
func (t *SubTask) IsRunning() bool { return t.running.Load() }

// IsFailing reports whether the subtask failed inside invoke.
func (t *SubTask) IsFailing() bool { return t.failing.Load() }

func (t *SubTask) isCanceled() bool { return t.canceled.Load() }

// IsCanceled reports whether the subtask was canceled.
func (t *SubTask) IsCanceled() bool { return t.canceled.Load() }

// TerminationErr returns the error termination completed with, if any.
// Valid only after the channel returned by Cancel or the invoke path
// closed.
func (t *SubTask) TerminationErr() error { return t.terminationErr }

// Cancelables returns the registry of in-flight async resources.
func (t *SubTask) Cancelables() *CloseableRegistry { return t.cancelables }

// Processor exposes the mailbox processor, mainly for tests and the
// hosting worker's executors.
func (t *SubTask) Processor() *mailbox.Processor { return t.processor }

// Writer exposes the async log writer.
func (t *SubTask) Writer() *writer.AsyncLogWriter { return t.writer }

// RecoveryCompleted delegates to the step cursor.
func (t *SubTask) RecoveryCompleted() bool { return t.cursor.RecoveryCompleted() }

// arg helpers for replay handlers

func argInt64At(args []interface{}, idx int) (int64, error) {
	return recovery.ArgInt64(args, idx)
}

func argStringAt(args []interface{}, idx int) (string, error) {
	if idx >= len(args) {
		return "", cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d missing, got %d arguments", idx, len(args))
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d has unexpected type %T", idx, args[idx])
	}
	return s, nil
}

func argBytesAt(args []interface{}, idx int) ([]byte, error) {
	if idx >= len(args) {
		return nil, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d missing, got %d arguments", idx, len(args))
	}
	switch v := args[idx].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, nil
	default:
		return nil, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d has unexpected type %T", idx, args[idx])
	}
}

func argBoolAt(args []interface{}, idx int) (bool, error) {
	if idx >= len(args) {
		return false, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d missing, got %d arguments", idx, len(args))
	}
	b, ok := args[idx].(bool)
	if !ok {
		return false, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d has unexpected type %T", idx, args[idx])
	}
	return b, nil
}
