package bf

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// OpError is returned when a store call made on behalf of a filter fails.
// It matches ErrStoreUnavailable with errors.Is and unwraps to the store error.
type OpError struct {
	Filter string
	Op     string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("bloom filter %q %s: %v", e.Filter, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == ErrStoreUnavailable }

func opError(filter, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Filter: filter, Op: op, Err: err}
}

func invalidArgument(format string, args ...interface{}) error {
	return errors.WithMessagef(ErrInvalidArgument, format, args...)
}
