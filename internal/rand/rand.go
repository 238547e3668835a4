// Package rand generates the short identifiers the editor uses for blocks.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, 16)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // block ids are not security sensitive
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (s *source) str(length int) string {
	buf := make([]byte, length)

	s.mut.Lock()
	for i := range buf {
		buf[i] = charset[s.rng.IntN(len(charset))]
	}
	s.mut.Unlock()

	return string(buf)
}

// String returns a random string of the given length drawn uniformly from a
// URL-safe alphabet. Safe for concurrent use.
func String(length int) string {
	return defaultSource.str(length)
}

// IntN returns a uniform int in [0, n).
func IntN(n int) int {
	defaultSource.mut.Lock()
	defer defaultSource.mut.Unlock()
	return defaultSource.rng.IntN(n)
}
