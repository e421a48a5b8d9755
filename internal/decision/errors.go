package decision

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistenceFailure marks a hard-block read or write that did not
	// complete. The evaluation must fail rather than report a block.
	ErrPersistenceFailure = errors.New("decision: hard-block persistence failed")

	// ErrInvalidInput is returned for inputs without an address.
	ErrInvalidInput = errors.New("decision: invalid input")

	// ErrRecordNotFound is returned by store clients for missing keys.
	ErrRecordNotFound = errors.New("decision: record not found")
)

// PersistenceError describes a failed hard-block store operation.
type PersistenceError struct {
	Op      string
	Address string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrPersistenceFailure, e.Op, e.Address, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

func wrapPersistence(op, address string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Address: address, Err: err}
}
