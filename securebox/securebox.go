// Package securebox defines the capability interfaces for holding sensitive
// byte slices (key material) in memory that is locked, access-gated, and
// wiped on release. Concrete engines live in the memguard and protected
// subpackages; callers should depend on this package's interfaces only.
package securebox

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative Secret allocations.
	//
	// AllocCounter increases as Secret objects are allocated, but unlike
	// InUseCounter, it does not decrease as secrets are released.
	AllocCounter = metrics.GetOrRegisterCounter("securebox.allocated", nil)

	// InUseCounter tracks the number of Secret objects currently in use.
	//
	// InUseCounter increases as Secret objects are allocated and decreases
	// as secrets are released.
	InUseCounter = metrics.GetOrRegisterCounter("securebox.inuse", nil)
)

// Secret holds sensitive bytes in protected memory pages. Always call Close
// after use to avoid leaking locked memory.
type Secret interface {
	// WithBytes makes the underlying bytes readable and passes them to action.
	// It returns the error returned by action.
	//
	// Calling WithBytes on a closed Secret is an error.
	//
	// A reference MUST NOT be kept to the bytes passed to action; the
	// underlying array is no longer readable once action returns.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc makes the underlying bytes readable and passes them to
	// action, returning the byte slice action produces.
	//
	// The same no-reference-retention rule as WithBytes applies.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether the underlying data container has already
	// been closed.
	IsClosed() bool

	// Close closes the data container and frees any associated memory. Close
	// blocks until any in-flight WithBytes/WithBytesFunc callers release
	// their access.
	Close() error

	// NewReader returns an io.Reader reading from the underlying Secret.
	NewReader() io.Reader
}

// Factory creates Secret implementations from caller-supplied or randomly
// generated bytes.
type Factory interface {
	// New takes a byte slice and returns a Secret containing that data. The
	// caller's slice is wiped before New returns.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret containing a random byte slice of the
	// given size.
	CreateRandom(size int) (Secret, error)
}
