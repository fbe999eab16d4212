package p4testgen

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")

	ErrNoStateAvailable = errors.New("No state available")
	ErrTargetNotFound   = errors.New("Target not found")
)

// BugError indicates that the program violates an invariant the compiler
// is expected to enforce. Generation stops immediately on a BugError.
type BugError struct {
	Message string
}

// Error returns the error message.
func (e *BugError) Error() string {
	return "bug: " + e.Message
}

// bugf returns a new BugError with a formatted message.
func bugf(format string, args ...interface{}) error {
	return &BugError{Message: fmt.Sprintf(format, args...)}
}

// UnimplementedError indicates a recognized construct that the interpreter
// does not support. Only the current path is abandoned.
type UnimplementedError struct {
	Feature string
}

// Error returns the error message.
func (e *UnimplementedError) Error() string {
	return "unimplemented: " + e.Feature
}

// unimplementedf returns a new UnimplementedError with a formatted message.
func unimplementedf(format string, args ...interface{}) error {
	return &UnimplementedError{Feature: fmt.Sprintf(format, args...)}
}

// IsBug returns true if err is or wraps a BugError.
func IsBug(err error) bool {
	var e *BugError
	return errors.As(err, &e)
}

// IsUnimplemented returns true if err is or wraps an UnimplementedError.
func IsUnimplemented(err error) bool {
	var e *UnimplementedError
	return errors.As(err, &e)
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
