package kernel

import (
	"errors"
	"fmt"
)

// Class categorizes kernel errors. Every error is terminal for the
// invocation; nothing is retried.
type Class int

const (
	// ClassConfig covers unsupported head dims, dtypes and stage counts,
	// detected before launch.
	ClassConfig Class = iota
	// ClassPrecondition covers shape contracts the caller must uphold.
	ClassPrecondition
	// ClassResource covers scratch footprints the device cannot satisfy.
	ClassResource
	// ClassExecution covers failures during the launch itself.
	ClassExecution
)

func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassPrecondition:
		return "precondition"
	case ClassResource:
		return "resource"
	case ClassExecution:
		return "execution"
	default:
		return "unknown"
	}
}

var (
	ErrUnsupportedHeadDim = errors.New("unsupported head dimension")
	ErrDType              = errors.New("unsupported dtype")
	ErrStages             = errors.New("unsupported stage count")
	ErrShape              = errors.New("shape mismatch")
	ErrSeqLen             = errors.New("sequence length is not a multiple of the tile size")
)

// Error is a classified kernel error.
type Error struct {
	Class Class
	Op    string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flash %s error in %s: %s: %v", e.Class, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("flash %s error in %s: %s", e.Class, e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of a kernel error anywhere in err's chain.
func ClassOf(err error) (Class, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Class, true
	}
	return 0, false
}

func configError(op, msg string, err error) error {
	return &Error{Class: ClassConfig, Op: op, Msg: msg, Err: err}
}

func preconditionError(op, msg string, err error) error {
	return &Error{Class: ClassPrecondition, Op: op, Msg: msg, Err: err}
}

func resourceError(op, msg string, err error) error {
	return &Error{Class: ClassResource, Op: op, Msg: msg, Err: err}
}

func executionError(op, msg string, err error) error {
	return &Error{Class: ClassExecution, Op: op, Msg: msg, Err: err}
}
