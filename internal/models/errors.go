package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed bid submission for the caller
type ErrorKind string

// ErrorKind constants
const (
	KindValidation   ErrorKind = "validation"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNetwork      ErrorKind = "network"
	KindServer       ErrorKind = "server"
)

// BidError is the error type returned by bid submission paths
type BidError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *BidError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *BidError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a BidError anywhere in err's chain. Unknown
// errors are treated as server failures.
func KindOf(err error) ErrorKind {
	var be *BidError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindServer
}
