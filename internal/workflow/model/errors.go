// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// Store-level sentinels. Backends translate their native failures into these.
var (
	ErrNotFound         = errors.New("workflow not found")
	ErrAlreadyExists    = errors.New("workflow already exists")
	ErrAlreadyRunning   = errors.New("stage already running")
	ErrConflict         = errors.New("conflicting concurrent update")
	ErrIdempotentReplay = errors.New("idempotent replay")
	ErrStoreUnavailable = errors.New("context store unavailable")
)

// Per-kind class sentinels so callers can match with errors.Is without
// unwrapping the concrete StageError.
var (
	classInvalidInput        = errors.New("InvalidInput")
	classUnresolvedReference = errors.New("UnresolvedReference")
	classMissingField        = errors.New("MissingField")
	classInvalidOutput       = errors.New("InvalidOutput")
	classTimeout             = errors.New("Timeout")
	classLeaseLost           = errors.New("LeaseLost")
	classInferenceFailed     = errors.New("InferenceFailed")
	classStoreUnavailable    = errors.New("StoreUnavailable")
	classCancelled           = errors.New("Cancelled")
	classConflict            = errors.New("Conflict")
)

// Class returns the sentinel matched by errors.Is for a StageError of kind k.
func (k ErrorKind) Class() error {
	switch k {
	case KindInvalidInput:
		return classInvalidInput
	case KindUnresolvedReference:
		return classUnresolvedReference
	case KindMissingField:
		return classMissingField
	case KindInvalidOutput:
		return classInvalidOutput
	case KindTimeout:
		return classTimeout
	case KindLeaseLost:
		return classLeaseLost
	case KindInferenceFailed:
		return classInferenceFailed
	case KindStoreUnavailable:
		return classStoreUnavailable
	case KindCancelled:
		return classCancelled
	case KindConflict:
		return classConflict
	default:
		return nil
	}
}

// StageError is the structured failure record attached to a stage. The first
// non-retryable error is preserved verbatim for post-mortem.
type StageError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`

	err error
}

func (e *StageError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.err.Error())
	}
	return string(e.Kind)
}

func (e *StageError) Is(target error) bool {
	if target == nil {
		return false
	}
	class := e.Kind.Class()
	return class != nil && target == class
}

func (e *StageError) Unwrap() error {
	return e.err
}

// NewStageError builds a StageError with a sanitized message.
func NewStageError(kind ErrorKind, message string, err error) *StageError {
	return &StageError{
		Kind:    kind,
		Message: sanitizeDetail(message),
		err:     err,
	}
}

// AsStageError unwraps err to a *StageError if one is in the chain.
func AsStageError(err error) (*StageError, bool) {
	var serr *StageError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}

// WrapClassified returns err as a StageError, classifying it when it is not
// one already.
func WrapClassified(err error) *StageError {
	if err == nil {
		return nil
	}
	if serr, ok := AsStageError(err); ok {
		return serr
	}
	return NewStageError(Classify(err), err.Error(), err)
}

// Classify maps an arbitrary error onto the closed kind set. Anything that
// escapes a node's core logic and cannot be attributed to the platform is
// treated as an execution failure (InferenceFailed).
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if serr, ok := AsStageError(err); ok {
		return serr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrConflict) {
		return KindConflict
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return KindStoreUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindStoreUnavailable
	}
	// go-redis surfaces dial failures as wrapped *net.OpError, but guard the
	// common transport strings too since some paths fmt-wrap them.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout") {
		return KindStoreUnavailable
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return KindInferenceFailed
	}

	return KindInferenceFailed
}

func sanitizeDetail(detail string) string {
	if detail == "" {
		return ""
	}
	const maxLen = 240
	clean := strings.ReplaceAll(detail, "\n", " ")
	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}
