package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown entity id.
	ErrNotFound = errors.New("model: entity not found")
	// ErrAlreadyExists guards against double insertion of an id.
	ErrAlreadyExists = errors.New("model: entity already exists")
	// ErrEvaluation marks expression or condition failures.
	ErrEvaluation = errors.New("model: evaluation failed")
	// ErrConfiguration marks rejected configuration requests.
	ErrConfiguration = errors.New("model: invalid configuration")
)

// NotFound wraps ErrNotFound with the offending id.
func NotFound(id int64) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// ConfigurationError is a rejected configuration request. It matches
// ErrConfiguration under errors.Is.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// EvaluationError is an expression or condition failure. It matches
// ErrEvaluation under errors.Is and unwraps to the cause.
type EvaluationError struct {
	Msg   string
	Cause error
}

func (e *EvaluationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("evaluation: %s: %v", e.Msg, e.Cause)
	}
	return "evaluation: " + e.Msg
}

// Is lets errors.Is(err, ErrEvaluation) match.
func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// Unwrap exposes the underlying cause.
func (e *EvaluationError) Unwrap() error { return e.Cause }

// Evaluationf builds an EvaluationError from a format string.
func Evaluationf(format string, args ...any) error {
	return &EvaluationError{Msg: fmt.Sprintf(format, args...)}
}
