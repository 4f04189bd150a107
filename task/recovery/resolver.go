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
	cerror "github.com/driftflow/driftflow/pkg/errors"
)

// Handler executes a replayed mail. Arguments are the deserialized log
// payload; integral values arrive at their encoded width (see ArgInt64).
type Handler func(args []interface{}) error

// MailResolver maps stable mail names back to live handlers so logged
// mails can be re-executed after a restart. Names are part of the log
// format; changing one breaks every existing log.
//
// All bindings happen during task construction, before the mailbox loop
// starts, so lookups need no synchronization.
type MailResolver struct {
	handlers map[string]Handler
}

// NewMailResolver returns an empty resolver.
func NewMailResolver() *MailResolver {
	return &MailResolver{handlers: map[string]Handler{}}
}

// Bind registers a handler that takes no arguments.
func (r *MailResolver) Bind(name string, fn func() error) {
	r.handlers[name] = func([]interface{}) error { return fn() }
}

// BindArgs registers a handler that consumes the logged arguments.
func (r *MailResolver) BindArgs(name string, fn Handler) {
	r.handlers[name] = fn
}

// Resolve looks a handler up by name. An unknown name during replay is a
// fatal recovery error, so the caller must not swallow this.
func (r *MailResolver) Resolve(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, cerror.ErrUnknownMail.GenWithStackByArgs(name)
	}
	return h, nil
}

// Bound reports whether a handler is registered under name.
func (r *MailResolver) Bound(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// ArgInt64 extracts an integral mail argument. Deserialized integers may
// arrive under any width or signedness, depending on their logged value.
func ArgInt64(args []interface{}, idx int) (int64, error) {
	if idx >= len(args) {
		return 0, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d missing, got %d arguments", idx, len(args))
	}
	switch v := args[idx].(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	default:
		return 0, cerror.ErrRecoveryFailed.GenWithStack(
			"mail argument %d has unexpected type %T", idx, args[idx])
	}
}
