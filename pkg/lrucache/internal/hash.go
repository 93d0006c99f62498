package internal

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"hash/maphash"
	"math"
)

// sum64er is implemented by values that know how to hash themselves.
type sum64er interface {
	Sum64() uint64
}

// processSeed seeds the maphash fallback in ComputeHash for this process.
var processSeed = maphash.MakeSeed()

// ComputeHash derives a 64-bit hash for v, used by the admission filter and
// frequency sketch. Values implementing sum64er are hashed directly; bools
// map to 0 or 1; strings, byte slices and numbers (as 8 little-endian bytes,
// floats by their IEEE 754 bits) are run through FNV-1a; anything else is
// hashed from its formatted text with maphash.
func ComputeHash(v interface{}) uint64 {
	if h, ok := v.(sum64er); ok {
		return h.Sum64()
	}

	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}

		return 0
	case string:
		return fnv64a([]byte(t))
	case []byte:
		return fnv64a(t)
	case int:
		return fnv64a(intBytes(int64(t)))
	case int8:
		return fnv64a(intBytes(int64(t)))
	case int16:
		return fnv64a(intBytes(int64(t)))
	case int32:
		return fnv64a(intBytes(int64(t)))
	case int64:
		return fnv64a(intBytes(t))
	case uint:
		return fnv64a(uintBytes(uint64(t)))
	case uint8:
		return fnv64a(uintBytes(uint64(t)))
	case uint16:
		return fnv64a(uintBytes(uint64(t)))
	case uint32:
		return fnv64a(uintBytes(uint64(t)))
	case uint64:
		return fnv64a(uintBytes(t))
	case uintptr:
		return fnv64a(uintBytes(uint64(t)))
	case float32:
		return fnv64a(uintBytes(uint64(math.Float32bits(t))))
	case float64:
		return fnv64a(uintBytes(math.Float64bits(t)))
	default:
		// Fall back to a per-process seeded hash of the value's identity
		// as formatted text; this only needs to be stable within a run.
		var h maphash.Hash

		h.SetSeed(processSeed)
		_, _ = h.WriteString(stringify(v))

		return h.Sum64()
	}
}

func fnv64a(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)

	return h.Sum64()
}

func intBytes(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))

	return b[:]
}

func uintBytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return b[:]
}

func stringify(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}

	return fmt.Sprintf("%v", v)
}
