package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlock/driftsync/internal/schema"
)

// ErrorClass buckets a failure for retry purposes.
type ErrorClass int

const (
	// ClassTransient covers timeouts, connection resets and 5xx-equivalent
	// failures. Retried with backoff; never advances a checkpoint.
	ClassTransient ErrorClass = iota

	// ClassSchemaMismatch covers payloads whose shape no longer matches the
	// declared mapping. Non-retryable: the entity is excluded from cycles
	// until an operator acknowledges it.
	ClassSchemaMismatch

	// ClassFatal covers configuration errors that should stop the process,
	// e.g. a malformed endpoint.
	ClassFatal
)

// String returns the class name used in operator-facing status text.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSchemaMismatch:
		return "schema_mismatch"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SchemaMismatchError marks an entity whose payloads no longer match the
// declared schema.
type SchemaMismatchError struct {
	Entity string
	Err    error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for entity %s: %v", e.Entity, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// FatalError marks a configuration problem that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Classify buckets an error for the orchestrator's retry decision.
//
// Schema validation failures, wherever they surface, are schema mismatches.
// Everything else, including deadline expiry and rolled-back batches, is
// transient by default: on an unreliable link that is the safe assumption.
func Classify(err error) ErrorClass {
	var mismatch *SchemaMismatchError
	if errors.As(err, &mismatch) {
		return ClassSchemaMismatch
	}
	var validation *schema.ValidationError
	if errors.As(err, &validation) {
		return ClassSchemaMismatch
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}
