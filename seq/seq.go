// Package seq provides wraparound-aware ordering over 16 bit sequence
// numbers, and a fixed-capacity buffer indexing per-packet state by
// sequence number over a sliding window of the most recent entries.
package seq

// GreaterThan reports whether s1 is newer than s2. Ordering is defined
// over a half range window: s1 is newer iff the forward distance from s2
// to s1 (mod 65536) is in [1, 32768]. The comparison is total as long as
// the true distance between compared values never exceeds 32768.
func GreaterThan(s1, s2 uint16) bool {
	return ((s1 > s2) && (s1-s2 <= 32768)) ||
		((s1 < s2) && (s2-s1 > 32768))
}

// LessThan reports whether s1 is older than s2.
func LessThan(s1, s2 uint16) bool {
	return GreaterThan(s2, s1)
}
