// Package hash implements the salted xorshift hash that orders samples.
package hash

// Mix hashes n with salt s to a full 32-bit value.
func Mix(n, s uint32) uint32 {
	m := n - s

	m ^= m << 2
	m ^= m << 3
	m ^= m >> 5
	m ^= m >> 7
	m ^= m << 11
	m ^= m << 13
	m ^= m >> 17
	m ^= m << 19

	return m + s
}

// Hash reduces Mix(n, s) to [0, max) by multiply and shift. A max of zero
// yields zero.
func Hash(n, s, max uint32) uint32 {
	return uint32((uint64(Mix(n, s)) * uint64(max)) >> 32)
}

// Salt folds a 64-bit seed into a 32-bit salt.
func Salt(seed int64) uint32 {
	return uint32(seed) ^ uint32(uint64(seed)>>32)
}
