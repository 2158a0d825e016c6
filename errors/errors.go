// Package errors defines the error discipline shared by the pipeline stages
// and the search service: every failure carries a kind used for
// classification, a short code and a human-readable message.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation policy decisions.
type Kind string

const (
	KindPrerequisiteMissing  Kind = "prerequisite_missing"
	KindInputInvalid         Kind = "input_invalid"
	KindExternalServiceError Kind = "external_service_error"
	KindDataShapeError       Kind = "data_shape_error"
	KindNotFound             Kind = "not_found"
	KindCancelled            Kind = "cancelled"
)

// Error is the typed failure raised by external-service adapters and pipeline
// stages.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindExternalServiceError when err does
// not carry one. Unclassified errors inside a stage are treated as external
// failures since that is what every stage ultimately talks to.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindExternalServiceError
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
