package akool

import (
	"errors"
	"fmt"
)

// ErrAuthConfig indicates the client id/secret pair is not configured.
// It is raised before any network I/O and is never retried.
var ErrAuthConfig = errors.New("akool client id or secret not configured")

// VendorError is a structured non-success result returned by the vendor.
// Code and Msg are passed through verbatim.
type VendorError struct {
	Op   string
	Code int
	Msg  string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("akool %s: vendor code %d: %s", e.Op, e.Code, e.Msg)
}

// NetworkError is a transport-level failure (DNS, connection reset,
// timeout). It is kept distinct from VendorError because it means the
// vendor may never have seen the request, which matters for retry
// decisions made by callers.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("akool %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
