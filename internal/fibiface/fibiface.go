// Package fibiface defines the abstract Forwarding Information Base
// contract (spec §4.3) implemented by concrete kernel bindings such as
// internal/linuxfib.
package fibiface

import (
	"errors"
	"fmt"

	"github.com/israel-lugo/netforeman/internal/route"
)

// FIBError wraps a failure from a mutating FIB operation (permission,
// conflict, kernel rejection), carrying the originating error when
// available.
type FIBError struct {
	Msg   string
	Cause error
}

func (e *FIBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fib: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("fib: %s", e.Msg)
}

func (e *FIBError) Unwrap() error { return e.Cause }

// NewFIBError wraps cause (which may be nil) with a message.
func NewFIBError(msg string, cause error) *FIBError {
	return &FIBError{Msg: msg, Cause: cause}
}

// ErrNotImplemented is returned by operations a binding does not
// support.
var ErrNotImplemented = errors.New("fib: not implemented")

// FIBInterface is the abstract CRUD + lookup contract on a kernel FIB.
// Any operation unsupported by a binding returns ErrNotImplemented.
type FIBInterface interface {
	// GetRoutes returns every route of the given family currently in
	// the FIB.
	GetRoutes(family route.AddressFamily) ([]*route.Route, error)

	// AddRoute installs r. Fails with *FIBError if a conflicting route
	// already exists.
	AddRoute(r *route.Route) error

	// ChangeRoute updates an existing route matching r's destination.
	ChangeRoute(r *route.Route) error

	// DeleteRoute removes the route matching r's destination.
	DeleteRoute(r *route.Route) error

	// ReplaceRoute installs r, upserting: creating it if absent,
	// overwriting it if present.
	ReplaceRoute(r *route.Route) error

	// GetRouteTo resolves the FIB's best route toward rm's
	// destination, as the kernel itself would resolve it. See
	// internal/linuxfib for the delicate default-route and
	// unreachable/blackhole recovery path.
	GetRouteTo(rm route.Match) (*route.Route, error)

	// GetDefaultRoutes returns every default route (destLen == 0) for
	// the given family.
	GetDefaultRoutes(family route.AddressFamily) ([]*route.Route, error)
}
