package callz

import (
	"errors"
	"fmt"
)

var (
	// ErrNilTarget is returned by Patch when there is nothing to wrap.
	ErrNilTarget = errors.New("callz: nil call target")
	// ErrNilTracer is returned by Patch without a tracer.
	ErrNilTracer = errors.New("callz: nil tracer")
	// ErrInvalidTag reports a tag no exporter can represent.
	ErrInvalidTag = errors.New("callz: invalid tag")
	// ErrAlreadyFinished reports a second Finish on the same span.
	ErrAlreadyFinished = errors.New("callz: span already finished")
	// ErrTagResolution reports a tag resolver that failed.
	ErrTagResolution = errors.New("callz: tag resolution failed")
	// ErrInvalidSampleRate reports an analytics rate outside [0, 1].
	ErrInvalidSampleRate = errors.New("callz: analytics rate must be within [0, 1]")
)

// typedError is implemented by errors that carry a machine-readable type,
// such as "NOT_FOUND".
type typedError interface {
	ErrorType() string
}

// PanicError is the failure recorded when a wrapped call panics.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// ErrorType returns "panic".
func (*PanicError) ErrorType() string {
	return "panic"
}

// errorTagsFrom extracts the type, message and stack of err.
// The type comes from the first error in the chain implementing ErrorType,
// falling back to the Go type name. Errors that format themselves with %+v,
// the convention of stack-carrying error packages, provide the stack.
func errorTagsFrom(err error) ErrorTags {
	tags := ErrorTags{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	var typed typedError
	if errors.As(err, &typed) {
		tags.Type = typed.ErrorType()
	}

	if _, ok := err.(fmt.Formatter); ok {
		tags.Stack = fmt.Sprintf("%+v", err)
	}

	return tags
}
