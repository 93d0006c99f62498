package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr wipes buf with zeroes.
func MemClr(buf []byte) {
	// clear() (Go 1.21+) is guaranteed not to be optimized away.
	clear(buf)
}

// FillRandom overwrites buf with cryptographically-secure random bytes.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Prevents dead-store elimination for callers that only want the backing
	// array randomized. See https://github.com/golang/go/issues/33325.
	runtime.KeepAlive(buf)
}

// GetRandBytes returns a slice of length n filled with random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
