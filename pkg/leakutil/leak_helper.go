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

package leakutil

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNone verifies that no unexpected leaks occur at the end of a test.
func VerifyNone(t *testing.T, options ...goleak.Option) {
	goleak.VerifyNone(t, options...)
}

// SetUpLeakTest ignores the goroutines the runtime itself keeps alive. Call
// it from TestMain.
func SetUpLeakTest(m *testing.M, options ...goleak.Option) {
	opts := append([]goleak.Option{
		goleak.IgnoreTopFunction("time.Sleep"),
	}, options...)
	goleak.VerifyTestMain(m, opts...)
}
