// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"strings"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/pkg/errors"
)

// The training errors below are fatal: they are surfaced to the caller of the loop (and from there
// to the process boundary), and are never retried.

// DivergenceError is returned when a replica reports a non-finite loss (NaN or infinity).
// No parameter update is applied for the step.
type DivergenceError struct {
	Device distributed.DeviceNum
	Step   int64
	Loss   float64
}

// Error implements error.
func (e *DivergenceError) Error() string {
	return fmt.Sprintf("model diverged with loss = %g at step %d on %s", e.Loss, e.Step, e.Device)
}

// IncompleteSynchronizationError is returned when fewer replicas than expected reported a result
// for a step, either because some failed, or because they didn't arrive before the timeout.
type IncompleteSynchronizationError struct {
	Expected, Got int
	Step          int64

	// Cause of the first missing replica, if known.
	Cause error
}

// Error implements error.
func (e *IncompleteSynchronizationError) Error() string {
	msg := fmt.Sprintf("incomplete synchronization at step %d: expected %d replica results, got %d",
		e.Step, e.Expected, e.Got)
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause of the first missing replica.
func (e *IncompleteSynchronizationError) Unwrap() error {
	return e.Cause
}

// UnknownParameterError is returned when gradients are given for parameters that don't exist in
// the shared parameter set, or that are not trainable.
type UnknownParameterError struct {
	Names []string
}

// Error implements error.
func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("gradients given for unknown or non-trainable parameters: %s", strings.Join(e.Names, ", "))
}

// CheckpointMismatchError is returned when a checkpoint cannot be restored: it doesn't exist, it is
// corrupt, or its variables don't match the live ones.
type CheckpointMismatchError struct {
	Path   string
	Reason string

	// Names of the mismatched variables, if any.
	Names []string

	Cause error
}

// Error implements error.
func (e *CheckpointMismatchError) Error() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "checkpoint %q mismatch: %s", e.Path, e.Reason)
	if len(e.Names) > 0 {
		const maxNames = 10
		names := e.Names
		if len(names) > maxNames {
			names = names[:maxNames]
		}
		_, _ = fmt.Fprintf(&sb, " (variables: %s", strings.Join(names, ", "))
		if len(e.Names) > maxNames {
			_, _ = fmt.Fprintf(&sb, ", ... %d more", len(e.Names)-maxNames)
		}
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause, if any.
func (e *CheckpointMismatchError) Unwrap() error {
	return e.Cause
}

// Names of the fatal error classes, as returned by FatalKind.
const (
	KindDivergence         = "DivergenceError"
	KindIncompleteSync     = "IncompleteSynchronizationError"
	KindUnknownParameter   = "UnknownParameterError"
	KindCheckpointMismatch = "CheckpointMismatchError"
)

// FatalKind returns the name of the fatal error class in err's chain, or "" if there is none.
func FatalKind(err error) string {
	var (
		divergence *DivergenceError
		incomplete *IncompleteSynchronizationError
		unknown    *UnknownParameterError
		mismatch   *CheckpointMismatchError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &divergence):
		return KindDivergence
	case errors.As(err, &incomplete):
		return KindIncompleteSync
	case errors.As(err, &unknown):
		return KindUnknownParameter
	case errors.As(err, &mismatch):
		return KindCheckpointMismatch
	}
	return ""
}

// IsFatal returns whether err's chain has one of the fatal training error classes.
func IsFatal(err error) bool {
	return FatalKind(err) != ""
}
