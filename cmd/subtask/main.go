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

// Command subtask runs one subtask against a toy operator chain. It
// exists to demonstrate the runtime end to end: run it once to produce a
// replay log, then run it again with the same name to watch the history
// replay before live execution resumes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/driftflow/driftflow/pkg/config"
	"github.com/driftflow/driftflow/task"
	"github.com/driftflow/driftflow/task/recovery"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagName         string
	flagStorageType  string
	flagStorageDir   string
	flagClearOldLog  bool
	flagRecords      int
	flagControlDelay time.Duration
	flagOutputCache  bool
)

func main() {
	cmd := newCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "subtask",
		Short:        "Run one subtask with deterministic-replay logging",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVar(&flagName, "name", "demo-subtask", "subtask instance name, also the log name")
	cmd.Flags().StringVar(&flagStorageType, "storage-type", config.StorageLocal, "log storage backend: mem, local or external")
	cmd.Flags().StringVar(&flagStorageDir, "storage-dir", ".", "directory of the local log storage")
	cmd.Flags().BoolVar(&flagClearOldLog, "clear-old-log", false, "truncate an existing log before starting")
	cmd.Flags().IntVar(&flagRecords, "records", 10, "number of records the demo source produces")
	cmd.Flags().DurationVar(&flagControlDelay, "control-delay", 0, "period of the no-op ping mail, 0 disables")
	cmd.Flags().BoolVar(&flagOutputCache, "enable-output-cache", false, "retain uncommitted outputs for replay")
	return cmd
}

func run() error {
	cfg := config.Default()
	cfg.Name = flagName
	cfg.EnableLogging = true
	cfg.StorageType = flagStorageType
	cfg.StorageDir = flagStorageDir
	cfg.ClearOldLog = flagClearOldLog
	cfg.ControlDelay = flagControlDelay
	cfg.EnableOutputCache = flagOutputCache
	cfg.ApplyEnv()
	if err := cfg.ValidateAndAdjust(); err != nil {
		return err
	}

	env := &demoEnv{name: cfg.Name}
	chain := &demoChain{records: flagRecords}
	t, err := task.New(cfg, env, chain, demoCoordinator{})
	if err != nil {
		return err
	}

	if err := t.Invoke(); err != nil {
		return err
	}
	if err := <-t.Shutdown(); err != nil {
		return err
	}
	log.Info("subtask finished",
		zap.String("task", cfg.Name),
		zap.Int("emitted", env.emitted))
	return nil
}

// demoEnv is a hosting worker of one: no gates, stdout partitions.
type demoEnv struct {
	name    string
	emitted int
}

func (e *demoEnv) TaskInfo() task.TaskInfo {
	return task.TaskInfo{JobVertexID: "demo", TaskName: e.name, SubtaskIndex: 0}
}

func (e *demoEnv) InputGates() []task.InputGate { return nil }

func (e *demoEnv) PartitionOutput() recovery.PartitionOutput { return e }

func (e *demoEnv) Emit(partition uint16, payload []byte) error {
	e.emitted++
	fmt.Printf("partition %d <- %s\n", partition, payload)
	return nil
}

func (e *demoEnv) FailExternally(err error) {
	log.Error("subtask failed externally", zap.String("task", e.name), zap.Error(err))
}

func (e *demoEnv) DeclineCheckpoint(checkpointID uint64, cause error) {
	log.Warn("checkpoint declined",
		zap.Uint64("checkpointID", checkpointID), zap.Error(cause))
}

// demoChain is a single source operator emitting a fixed number of
// records.
type demoChain struct {
	records int
	next    int
}

func (c *demoChain) InitializeStateAndOpen() error { return nil }

func (c *demoChain) ProcessInput(out recovery.PartitionOutput) (task.InputStatus, error) {
	if c.next >= c.records {
		return task.InputStatusEndOfInput, nil
	}
	record := fmt.Sprintf("record-%04d", c.next)
	c.next++
	return task.InputStatusMoreAvailable, out.Emit(0, []byte(record))
}

func (c *demoChain) Available() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (c *demoChain) CloseOperators() error   { return nil }
func (c *demoChain) DisposeOperators() error { return nil }
func (c *demoChain) FlushOutputs() error     { return nil }

func (c *demoChain) DispatchOperatorEvent(operatorID string, event []byte) error { return nil }

func (c *demoChain) BroadcastEvent(event interface{}) error { return nil }

func (c *demoChain) EmitMaxWatermark() error { return nil }

// demoCoordinator accepts every checkpoint without snapshotting anything.
type demoCoordinator struct{}

func (demoCoordinator) CheckpointState(meta task.CheckpointMetadata, opts task.CheckpointOptions, isRunning func() bool) error {
	return nil
}

func (demoCoordinator) NotifyCheckpointComplete(checkpointID uint64, isRunning func() bool) error {
	return nil
}

func (demoCoordinator) NotifyCheckpointAborted(checkpointID uint64, isRunning func() bool) error {
	return nil
}
