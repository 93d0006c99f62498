// Package memcall wraps github.com/awnumar/memcall behind a small interface
// so engines in this module can swap implementations in tests.
package memcall

import "github.com/awnumar/memcall"

type Allocator interface {
	Alloc(size int) ([]byte, error)
}

type Freer interface {
	Free([]byte) error
}

type Protector interface {
	Protect([]byte, MemoryProtectionFlag) error
}

type Locker interface {
	Lock([]byte) error
}

type Unlocker interface {
	Unlock([]byte) error
}

// Interface groups the memory operations an engine needs from the platform.
type Interface interface {
	Allocator
	Freer
	Protector
	Locker
	Unlocker
}

type wrapper struct{}

// Default directly wraps the functions exported by github.com/awnumar/memcall.
var Default Interface = &wrapper{}

func (*wrapper) Alloc(size int) ([]byte, error) {
	return memcall.Alloc(size)
}

func (*wrapper) Protect(b []byte, mpf MemoryProtectionFlag) error {
	return memcall.Protect(b, mpf)
}

func (*wrapper) Lock(b []byte) error {
	return memcall.Lock(b)
}

func (*wrapper) Unlock(b []byte) error {
	return memcall.Unlock(b)
}

func (*wrapper) Free(b []byte) error {
	return memcall.Free(b)
}
