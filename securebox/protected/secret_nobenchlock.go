//go:build nobenchlock
// +build nobenchlock

package protected

import "log"

func init() {
	log.Println("WARNING: memory locking disabled for benchmarking - DO NOT USE IN PRODUCTION")
}

// lockMemory is a no-op override used only under the nobenchlock build tag.
func lockMemory(b []byte) error {
	return nil
}

// unlockMemory is a no-op override used only under the nobenchlock build tag.
func unlockMemory(b []byte) error {
	return nil
}
