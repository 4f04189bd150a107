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
	"time"

	"github.com/driftflow/driftflow/pkg/clock"
	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ProcessingTimeCallback fires when a registered processing-time timer is
// due. It always runs on the task thread.
type ProcessingTimeCallback func(timestamp int64) error

// TimerService fires raw callbacks on helper threads. The subtask never
// hands it operator callbacks directly; every callback is deferred to the
// mailbox first.
type TimerService interface {
	// RegisterTimer schedules fn after delay on a helper goroutine.
	RegisterTimer(delay time.Duration, fn func(timestamp int64))
	// Quiesce stops accepting new timers; pending ones are dropped.
	Quiesce()
	// Shutdown releases the service.
	Shutdown()
}

// DeferredCallback is the mailbox-deferred handle of one processing-time
// callback. The stable integer id assigned at first registration
// identifies the callback in the replay log; the handle is how the
// resolver finds the live callback again on recovery.
type DeferredCallback struct {
	id int64
	cb ProcessingTimeCallback
}

// ID returns the stable callback id.
func (d *DeferredCallback) ID() int64 { return d.id }

// DeferCallback assigns the next free id to cb and returns its handle.
// Every call yields a new handle; the id stays stable as long as the caller
// keeps reusing that handle. Task thread only, so one plain id->handle map
// replaces any concurrent structure.
func (t *SubTask) DeferCallback(cb ProcessingTimeCallback) *DeferredCallback {
	id := int64(len(t.timerCallbacks))
	d := &DeferredCallback{id: id, cb: cb}
	t.timerCallbacks[id] = d
	return d
}

// RegisterTimer schedules the deferred callback after delay. The timer
// service fires on a helper thread; the wrapper turns the firing into a
// "Timer callback" mail carrying (id, timestamp) so the firing is
// replayable.
func (t *SubTask) RegisterTimer(delay time.Duration, d *DeferredCallback) {
	t.timerService.RegisterTimer(delay, func(timestamp int64) {
		err := t.mainExecutor.Execute(func() error {
			t.invokeProcessingTimeCallback(d.cb, timestamp)
			return nil
		}, mailTimerCallback, d.id, timestamp)
		if err != nil {
			// Fired during shutdown; nothing left to time.
			log.Debug("timer callback mail rejected",
				zap.String("task", t.Name()), zap.Error(err))
		}
	})
}

func (t *SubTask) invokeProcessingTimeCallback(cb ProcessingTimeCallback, timestamp int64) {
	if err := cb(timestamp); err != nil {
		t.HandleAsyncException("caught exception while processing timer", err)
	}
}

func (t *SubTask) replayTimerCallback(args []interface{}) error {
	id, err := argInt64At(args, 0)
	if err != nil {
		return err
	}
	timestamp, err := argInt64At(args, 1)
	if err != nil {
		return err
	}
	d, ok := t.timerCallbacks[id]
	if !ok {
		return cerror.ErrRecoveryFailed.GenWithStack(
			"no timer callback registered under id %d", id)
	}
	t.invokeProcessingTimeCallback(d.cb, timestamp)
	return nil
}

// clockTimerService is the default TimerService, driven by a Clock so
// tests can advance time manually.
type clockTimerService struct {
	clk clock.Clock

	mu       sync.Mutex
	quiesced bool
	timers   []*clock.Timer
}

var _ TimerService = (*clockTimerService)(nil)

// NewClockTimerService returns a TimerService over clk.
func NewClockTimerService(clk clock.Clock) TimerService {
	return &clockTimerService{clk: clk}
}

func (s *clockTimerService) RegisterTimer(delay time.Duration, fn func(timestamp int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiesced {
		return
	}
	timer := s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		quiesced := s.quiesced
		s.mu.Unlock()
		if !quiesced {
			fn(s.clk.Now().UnixMilli())
		}
	})
	s.timers = append(s.timers, timer)
}

func (s *clockTimerService) Quiesce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiesced = true
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
}

func (s *clockTimerService) Shutdown() {
	s.Quiesce()
}

// startControlPing runs the no-op ping mail used to defeat starvation of
// the mailbox by a perpetually busy default action.
func (t *SubTask) startControlPing(period time.Duration) {
	ticker := t.clk.Ticker(period)
	t.pingWg.Add(1)
	go func() {
		defer t.pingWg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-t.pingStop:
				return
			case <-ticker.C:
				if t.processor.Mailbox().IsAcceptingMails() {
					_ = t.mainExecutor.Execute(func() error { return nil }, mailExp)
				}
			}
		}
	}()
}

func (t *SubTask) stopControlPing() {
	t.pingStopOnce.Do(func() {
		close(t.pingStop)
	})
	t.pingWg.Wait()
}
