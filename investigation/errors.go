package investigation

import (
	"context"
	"errors"
	"fmt"
)

// Failure conditions of an investigation. Every error returned by Engine.Run
// matches exactly one of these with errors.Is, or wraps context.Canceled.
var (
	ErrEmptyInput       = errors.New("log text is empty")
	ErrConfiguration    = errors.New("configuration error")
	ErrToolResolution   = errors.New("tool resolution failed")
	ErrMalformedOutput  = errors.New("malformed structured output")
	ErrToolLoopExceeded = errors.New("tool-loop exceeded")
	ErrTransport        = errors.New("transport error")
	ErrRoundTimeout     = errors.New("model round timed out")
)

// OutputShapeError reports a final answer that could not be parsed into an
// IncidentReport. Raw is the payload exactly as the model returned it.
type OutputShapeError struct {
	Raw    string
	Reason error
}

func (e *OutputShapeError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMalformedOutput, e.Reason)
}

func (e *OutputShapeError) Is(target error) bool { return target == ErrMalformedOutput }

func (e *OutputShapeError) Unwrap() error { return e.Reason }

// Kind returns a stable machine-readable label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrToolResolution):
		return "tool_resolution_error"
	case errors.Is(err, ErrMalformedOutput):
		return "output_shape_error"
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrRoundTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
