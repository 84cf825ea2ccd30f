package engine

import (
	"errors"
	"fmt"

	"github.com/skiplabs/skfs/internal/value"
)

// RuntimeError represents an error detected during engine execution.
//
// Runtime errors include:
//   - Unknown directory: a name resolves to no directory
//   - Type mismatch: an eager accessor hit a lazy directory (or vice versa)
//   - Write to a deleted directory
//   - Compute failure: a mapper or lazy compute returned an error or panicked
//   - Steps exceeded: one Update() drain ran past its quota
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Dir identifies the affected directory, when known.
	Dir value.DirName

	// Path identifies the affected cell, when known.
	Path value.Path

	// Err is the captured underlying error (for compute failures).
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownDir indicates a name resolved to no directory.
	ErrCodeUnknownDir RuntimeErrorCode = "UNKNOWN_DIR"

	// ErrCodeDirTypeMismatch indicates a variant-narrowing accessor failed.
	ErrCodeDirTypeMismatch RuntimeErrorCode = "DIR_TYPE_MISMATCH"

	// ErrCodeDuplicateDir indicates Mkdir hit an existing, live directory.
	ErrCodeDuplicateDir RuntimeErrorCode = "DUPLICATE_DIR"

	// ErrCodeWriteToDeletedDir indicates a write targeted a tombstoned directory.
	ErrCodeWriteToDeletedDir RuntimeErrorCode = "WRITE_TO_DELETED_DIR"

	// ErrCodeCycleDetected indicates a lazy compute re-entered an in-flight
	// entry. Non-fatal: the stale cache is returned and the reader retried.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeComputeFailed indicates a mapper or lazy compute failed. The
	// previous cached value stays in place and the entry remains dirty.
	ErrCodeComputeFailed RuntimeErrorCode = "COMPUTE_FAILED"

	// ErrCodeStepsExceeded indicates one Update() drain exceeded its quota.
	ErrCodeStepsExceeded RuntimeErrorCode = "STEPS_EXCEEDED"

	// ErrCodeUnknownFunction indicates a persisted mapper/lazy/reducer/
	// finaliser name has no registration.
	ErrCodeUnknownFunction RuntimeErrorCode = "UNKNOWN_FUNCTION"

	// ErrCodeMagicMismatch indicates a state file from an incompatible build.
	ErrCodeMagicMismatch RuntimeErrorCode = "MAGIC_MISMATCH"

	// ErrCodeExternalPointerInvalid indicates an external pointer did not
	// survive a GC copy and was replaced with the null sentinel.
	ErrCodeExternalPointerInvalid RuntimeErrorCode = "EXTERNAL_POINTER_INVALID"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	switch {
	case e.Path != (value.Path{}):
		return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
	case e.Dir != "":
		return fmt.Sprintf("%s: %s (dir=%s)", e.Code, e.Message, e.Dir)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the captured underlying error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsUnknownDirError reports whether err is an unknown-directory error.
// Uses errors.As to handle wrapped errors.
func IsUnknownDirError(err error) bool {
	return hasCode(err, ErrCodeUnknownDir)
}

// IsCycleError reports whether err is a cycle detection error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsComputeError reports whether err is a captured compute failure.
func IsComputeError(err error) bool {
	return hasCode(err, ErrCodeComputeFailed)
}

// IsMagicMismatchError reports whether err is a state-file magic mismatch.
func IsMagicMismatchError(err error) bool {
	return hasCode(err, ErrCodeMagicMismatch)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewUnknownDirError creates a RuntimeError for an unresolvable name.
func NewUnknownDirError(dir value.DirName) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownDir,
		Message: "no directory with this name",
		Dir:     dir,
	}
}

// NewTypeMismatchError creates a RuntimeError for a failed variant narrowing.
func NewTypeMismatchError(dir value.DirName, want string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDirTypeMismatch,
		Message: fmt.Sprintf("directory is not %s", want),
		Dir:     dir,
	}
}

// NewComputeError creates a RuntimeError capturing a per-entry failure.
func NewComputeError(path value.Path, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeComputeFailed,
		Message: "recomputation failed; stale value kept",
		Path:    path,
		Err:     err,
	}
}
