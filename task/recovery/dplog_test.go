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
	"testing"

	cerror "github.com/driftflow/driftflow/pkg/errors"
	"github.com/driftflow/driftflow/task/recovery/storage"
	"github.com/driftflow/driftflow/task/recovery/writer"
	"github.com/stretchr/testify/require"
)

type capturedOutput struct {
	partitions []uint16
	payloads   [][]byte
}

func (c *capturedOutput) Emit(partition uint16, payload []byte) error {
	c.partitions = append(c.partitions, partition)
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

type executedMail struct {
	name string
	args []interface{}
}

// runLiveHistory performs a short live run against an empty log and
// returns the store holding the written records.
func runLiveHistory(t *testing.T, name string) storage.LogStorage {
	store := storage.NewMemoryStorage(name)
	w, err := writer.NewAsyncLogWriter(store, nil)
	require.NoError(t, err)

	cursor := NewStepCursor(w.LastStep())
	out := &capturedOutput{}
	datalog := NewDataLogManager(w, cursor, out)
	datalog.Enable()
	resolver := NewMailResolver()
	resolver.Bind("ping", func() error { return nil })

	dplog, err := NewDPLogManager(store, w, resolver, cursor, datalog)
	require.NoError(t, err)
	dplog.Enable()

	// Interleave mails and outputs the way a live loop would.
	require.NoError(t, dplog.OnMailEnqueued("ping", nil))
	require.NoError(t, datalog.OnEmit(0, []byte("first")))
	require.NoError(t, dplog.OnMailEnqueued("ping", nil))
	require.NoError(t, datalog.OnEmit(1, []byte("second")))
	require.NoError(t, datalog.OnEmit(0, []byte("third")))

	require.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, out.payloads)
	require.NoError(t, <-w.Shutdown())
	return store
}

func TestDPLogReplayMatchesLiveRun(t *testing.T) {
	t.Parallel()

	store := runLiveHistory(t, "dplog-replay-test")
	defer store.Delete() //nolint:errcheck

	// Restart: the log holds 5 steps.
	w, err := writer.NewAsyncLogWriter(store, nil)
	require.NoError(t, err)
	require.EqualValues(t, 5, w.LastStep())

	cursor := NewStepCursor(w.LastStep())
	out := &capturedOutput{}
	datalog := NewDataLogManager(w, cursor, out)
	datalog.Enable()

	var executed []executedMail
	resolver := NewMailResolver()
	resolver.BindArgs("ping", func(args []interface{}) error {
		executed = append(executed, executedMail{name: "ping", args: args})
		return nil
	})

	dplog, err := NewDPLogManager(store, w, resolver, cursor, datalog)
	require.NoError(t, err)
	dplog.Enable()
	require.True(t, dplog.Replaying())

	// Live emissions are suppressed while replay is in progress.
	require.NoError(t, datalog.OnEmit(9, []byte("live, too early")))
	require.Empty(t, out.payloads)

	for dplog.Replaying() {
		_, err := dplog.ReplayNext()
		require.NoError(t, err)
	}
	require.True(t, cursor.RecoveryCompleted())

	// The replayed history is bit-identical to the original run.
	require.Len(t, executed, 2)
	require.Equal(t, []uint16{0, 1, 0}, out.partitions)
	require.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, out.payloads)

	// Live execution resumes with steps strictly greater than the log.
	require.NoError(t, dplog.OnMailEnqueued("ping", nil))
	require.NoError(t, datalog.OnEmit(2, []byte("fresh")))
	require.Equal(t, []byte("fresh"), out.payloads[len(out.payloads)-1])
	require.NoError(t, <-w.Shutdown())

	rd, err := store.OpenRead()
	require.NoError(t, err)
	defer rd.Close()
	records, err := writer.ReadAll(rd)
	require.NoError(t, err)
	require.Len(t, records, 7)
	require.EqualValues(t, 6, records[5].Step)
	require.EqualValues(t, 7, records[6].Step)
}

func TestDPLogReplayUnknownMailIsFatal(t *testing.T) {
	t.Parallel()

	store := runLiveHistory(t, "dplog-unknown-mail-test")
	defer store.Delete() //nolint:errcheck

	w, err := writer.NewAsyncLogWriter(store, nil)
	require.NoError(t, err)
	defer func() { <-w.Shutdown() }()

	cursor := NewStepCursor(w.LastStep())
	datalog := NewDataLogManager(w, cursor, &capturedOutput{})
	dplog, err := NewDPLogManager(store, w, NewMailResolver(), cursor, datalog)
	require.NoError(t, err)
	dplog.Enable()

	_, err = dplog.ReplayNext()
	require.True(t, cerror.ErrRecoveryFailed.Equal(err))
}

func TestDPLogUnserializableMailRejected(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage("dplog-unserializable-test")
	defer store.Delete() //nolint:errcheck
	w, err := writer.NewAsyncLogWriter(store, nil)
	require.NoError(t, err)
	defer func() { <-w.Shutdown() }()

	cursor := NewStepCursor(0)
	datalog := NewDataLogManager(w, cursor, &capturedOutput{})
	dplog, err := NewDPLogManager(store, w, NewMailResolver(), cursor, datalog)
	require.NoError(t, err)
	dplog.Enable()

	err = dplog.OnMailEnqueued("bad", []interface{}{make(chan int)})
	require.True(t, cerror.ErrMailNotSerializable.Equal(err))
}

func TestDPLogDisabledRecordsNothing(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage("dplog-disabled-test")
	defer store.Delete() //nolint:errcheck
	w, err := writer.NewAsyncLogWriter(store, nil)
	require.NoError(t, err)

	cursor := NewStepCursor(0)
	datalog := NewDataLogManager(w, cursor, &capturedOutput{})
	dplog, err := NewDPLogManager(store, w, NewMailResolver(), cursor, datalog)
	require.NoError(t, err)

	require.False(t, dplog.Replaying())
	require.NoError(t, dplog.OnMailEnqueued("ping", nil))
	require.NoError(t, <-w.Shutdown())

	exists, err := store.Exists()
	require.NoError(t, err)
	require.False(t, exists)
}
