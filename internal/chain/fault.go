package chain

import (
	"errors"
	"fmt"
)

// ConsensusFault is an internal invariant violation: a non-signed pocket
// about to go negative, a rollback with no prior version to restore, a
// persistence failure. Continuing after one risks silent state divergence
// between nodes, so the host must halt and resynchronize rather than keep
// replaying.
type ConsensusFault struct {
	Component string
	Detail    string
	Err       error
}

func (f *ConsensusFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("consensus fault in %s: %s: %v", f.Component, f.Detail, f.Err)
	}
	return fmt.Sprintf("consensus fault in %s: %s", f.Component, f.Detail)
}

func (f *ConsensusFault) Unwrap() error { return f.Err }

// Faultf constructs a ConsensusFault with a formatted detail string.
func Faultf(component, format string, args ...interface{}) error {
	return &ConsensusFault{Component: component, Detail: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err carries a ConsensusFault anywhere in its
// chain.
func IsFault(err error) bool {
	var f *ConsensusFault
	return errors.As(err, &f)
}
