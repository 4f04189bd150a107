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

// Package mailbox implements the single-consumer cooperative scheduler of
// a subtask: a priority mailbox of named callables and the processor loop
// that interleaves them with the stream's default action.
package mailbox

import "fmt"

// Priority selects which mailbox queue a mail lands in. Within a queue
// mails are FIFO; the high-priority queue always drains first.
type Priority int

// Mailbox priorities.
const (
	DefaultPriority Priority = iota
	HighPriority
)

// Mail is a named callable executed on the task thread. The name is a
// stable identifier used for tracing and for handler resolution during
// replay; the arguments are the serializable values the replay log stores
// next to it.
type Mail struct {
	fn       func() error
	name     string
	args     []interface{}
	priority Priority
}

// NewMail builds a mail.
func NewMail(fn func() error, priority Priority, name string, args ...interface{}) *Mail {
	return &Mail{fn: fn, name: name, args: args, priority: priority}
}

// Run executes the mail on the caller's goroutine.
func (m *Mail) Run() error { return m.fn() }

// Name returns the stable mail name.
func (m *Mail) Name() string { return m.name }

// Args returns the mail arguments.
func (m *Mail) Args() []interface{} { return m.args }

// Priority returns the queue the mail belongs to.
func (m *Mail) Priority() Priority { return m.priority }

func (m *Mail) String() string {
	return fmt.Sprintf("Mail(%s)", m.name)
}
