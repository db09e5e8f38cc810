package alloc

import "hash/fnv"

// Seed hashes a key with 32-bit FNV-1a.
func Seed(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Source is a small deterministic generator (mulberry32 family). Two
// sources built from the same seed produce identical sequences.
type Source struct {
	state uint32
}

// NewSource builds a generator from a seed.
func NewSource(seed uint32) *Source {
	return &Source{state: seed + 0x6d2b79f5}
}

// Float64 returns the next value in [0, 1).
func (s *Source) Float64() float64 {
	x := s.state
	x = (x ^ (x >> 15)) * (x | 1)
	x ^= x + (x^(x>>7))*(x|61)
	s.state = x
	return float64(x^(x>>14)) / 4294967296
}

// Intn returns the next value in [0, n).
func (s *Source) Intn(n int) int {
	return int(s.Float64() * float64(n))
}

// Shuffle returns a copy of items permuted by a Fisher-Yates pass driven
// by a Source seeded from key. The input slice is left untouched.
func Shuffle[T any](items []T, key string) []T {
	out := make([]T, len(items))
	copy(out, items)

	src := NewSource(Seed(key))
	for i := len(out) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
