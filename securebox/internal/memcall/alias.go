package memcall

import "github.com/awnumar/memcall"

// MemoryProtectionFlag specifies a particular memory protection mode.
type MemoryProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess marks memory unreadable and immutable.
func NoAccess() MemoryProtectionFlag {
	return memcall.NoAccess()
}

// ReadOnly marks memory read-only (immutable).
func ReadOnly() MemoryProtectionFlag {
	return memcall.ReadOnly()
}

// ReadWrite marks memory readable and writable.
func ReadWrite() MemoryProtectionFlag {
	return memcall.ReadWrite()
}
