// engine/rng.go
//
// Deterministic RNG construction for samplers. A seed >= 0 must reproduce
// the same stream on every run; a negative seed draws fresh entropy.

package engine

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// newRNG returns a generator seeded deterministically when seed >= 0, and
// from the OS entropy source otherwise.
func newRNG(seed int64) *rand.Rand {
	if seed >= 0 {
		return rand.New(rand.NewSource(seed))
	}
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		// Entropy read failures leave a usable, if predictable, stream.
		return rand.New(rand.NewSource(1))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(buf[:]))))
}
