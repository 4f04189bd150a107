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

package clock

import (
	bclock "github.com/benbjohnson/clock"
)

type (
	// Timer is an alias to the underlying clock timer.
	Timer = bclock.Timer
	// Ticker is an alias to the underlying clock ticker.
	Ticker = bclock.Ticker
)

// Clock tells time and creates timers. Production code uses the wall clock,
// tests substitute a mock to drive timers deterministically.
type Clock interface {
	bclock.Clock
}

// Mock is a manually advanced clock for tests.
type Mock = bclock.Mock

// New returns a Clock backed by the wall clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a manually advanced Clock.
func NewMock() *Mock {
	return bclock.NewMock()
}
