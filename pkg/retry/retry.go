// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry provides small operation wrappers: bounded retries with an
// error classifier, operation timing, and a tagged error type for failures
// caused by user input rather than bugs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Any retries every error.
func Any(error) bool { return true }

// Is returns a classifier retrying only errors matching one of the targets.
func Is(targets ...error) Classifier {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// Do runs op up to attempts times, returning the first success or the last
// failure.
//
// Description:
//
//	An error is retried only if the classifier accepts it. Context
//	cancellation is never retried: once ctx is done, the cancellation
//	error is returned immediately regardless of the classifier.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	attempts - Maximum executions of op. Values below 1 are treated as 1.
//	classify - Retry predicate. Nil means retry everything.
//	op - The operation.
//
// Outputs:
//
//	error - Nil on success; otherwise the last error op returned.
func Do(ctx context.Context, attempts int, classify Classifier, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if classify == nil {
		classify = Any
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt < attempts {
			slog.Debug("operation failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("attempts", attempts),
				slog.String("error", lastErr.Error()),
			)
		}
	}
	return lastErr
}

// Timed runs op, logging its start and elapsed time at info level.
func Timed(logger *slog.Logger, name string, op func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(name + " starting...")
	start := time.Now()
	err := op()
	logger.Info(name+" finished", slog.Duration("elapsed", time.Since(start)))
	return err
}

// UserError marks a failure caused by user input: a bad path, a malformed
// config, a missing file. Callers report these without a stack trace and
// exit cleanly.
type UserError struct {
	Err error
}

func (e *UserError) Error() string {
	return e.Err.Error()
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError wraps err as user-caused.
func NewUserError(format string, args ...any) error {
	return &UserError{Err: fmt.Errorf(format, args...)}
}

// AsUserError reports whether err is user-caused, returning the tagged
// error if so.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
