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

	"github.com/stretchr/testify/require"
)

func TestStepCursorFreshLog(t *testing.T) {
	t.Parallel()

	c := NewStepCursor(0)
	require.True(t, c.RecoveryCompleted())
	require.EqualValues(t, 1, c.Next())
	require.EqualValues(t, 2, c.Next())
}

func TestStepCursorRecovery(t *testing.T) {
	t.Parallel()

	c := NewStepCursor(3)
	require.False(t, c.RecoveryCompleted())

	c.ObserveReplayed(1)
	require.False(t, c.RecoveryCompleted())
	c.ObserveReplayed(2)
	require.False(t, c.RecoveryCompleted())
	c.ObserveReplayed(3)
	require.True(t, c.RecoveryCompleted())

	select {
	case <-c.WaitRecovered():
	default:
		t.Fatal("recovered channel must be closed")
	}

	// Live numbering resumes at exactly target+1.
	require.EqualValues(t, 4, c.Next())
}

func TestMailResolver(t *testing.T) {
	t.Parallel()

	r := NewMailResolver()
	r.Bind("exp", func() error { return nil })
	require.True(t, r.Bound("exp"))

	h, err := r.Resolve("exp")
	require.NoError(t, err)
	require.NoError(t, h(nil))

	_, err = r.Resolve("no such mail")
	require.Error(t, err)
}
