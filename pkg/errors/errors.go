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

package errors

import (
	"github.com/pingcap/errors"
)

// errors
var (
	// mailbox related errors
	ErrMailboxClosed = errors.Normalize(
		"mailbox is closed, rejecting mail %s",
		errors.RFCCodeText("DF:ErrMailboxClosed"),
	)
	ErrMailboxStateIllegal = errors.Normalize(
		"illegal mailbox state transition from %s to %s",
		errors.RFCCodeText("DF:ErrMailboxStateIllegal"),
	)
	ErrMailNotSerializable = errors.Normalize(
		"mail %s carries arguments that cannot be serialized",
		errors.RFCCodeText("DF:ErrMailNotSerializable"),
	)

	// replay log related errors
	ErrStorageIO = errors.Normalize(
		"log storage I/O error",
		errors.RFCCodeText("DF:ErrStorageIO"),
	)
	ErrUnknownStorageType = errors.Normalize(
		"unknown log storage type %s",
		errors.RFCCodeText("DF:ErrUnknownStorageType"),
	)
	ErrWriterStopped = errors.Normalize(
		"async log writer has stopped",
		errors.RFCCodeText("DF:ErrWriterStopped"),
	)
	ErrLogCorrupted = errors.Normalize(
		"replay log corrupted: %s",
		errors.RFCCodeText("DF:ErrLogCorrupted"),
	)
	ErrUnknownMail = errors.Normalize(
		"no handler bound for mail name %s",
		errors.RFCCodeText("DF:ErrUnknownMail"),
	)
	ErrRecoveryFailed = errors.Normalize(
		"deterministic replay failed",
		errors.RFCCodeText("DF:ErrRecoveryFailed"),
	)

	// task lifecycle related errors
	ErrTaskCanceled = errors.Normalize(
		"task %s is canceled",
		errors.RFCCodeText("DF:ErrTaskCanceled"),
	)
	ErrCheckpointFailed = errors.Normalize(
		"could not perform checkpoint %d for task %s",
		errors.RFCCodeText("DF:ErrCheckpointFailed"),
	)
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error. If given `err` is nil, returns a nil error, which a the same
// semantic with pkg/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// IsCanceled checks whether an error is caused by task cancellation. Callers
// use it to tell a cooperative shutdown apart from a real failure.
func IsCanceled(err error) bool {
	return ErrTaskCanceled.Equal(errors.Cause(err))
}
