package utils

import "unsafe"

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities — Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
// Used for log and error paths that quote raw frames.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// Truncate shortens b to at most n bytes for log output.
func Truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

///////////////////////////////////////////////////////////////////////////////
// Fast Loaders — Unaligned 64-Bit Reads
///////////////////////////////////////////////////////////////////////////////

// Load64 reads an unaligned 64-bit word from a byte slice in host order.
//
//go:nosplit
//go:inline
func Load64(b []byte) uint64 {
	_ = b[7]
	return *(*uint64)(unsafe.Pointer(&b[0]))
}

// LoadBE64 performs a manual big-endian 64-bit read, avoiding dependency on binary.BigEndian.
//
//go:nosplit
//go:inline
func LoadBE64(b []byte) uint64 {
	_ = b[7] // bounds check hint
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 |
		uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 |
		uint64(b[6])<<8 | uint64(b[7])
}

///////////////////////////////////////////////////////////////////////////////
// Hex Decoders — No Allocation, Early Exit on Malformed Input
///////////////////////////////////////////////////////////////////////////////

// ParseHexU64 parses a 64-bit uint from a (0x-optional) ASCII hex string.
// Stops at first non-nibble. ~5x faster than strconv.ParseUint.
//
//go:nosplit
//go:inline
func ParseHexU64(b []byte) uint64 {
	j := 0
	if len(b) >= 2 && b[0] == '0' && (b[1]|0x20) == 'x' {
		j = 2
	}
	var u uint64
	for end := j + 16; j < len(b) && j < end; j++ {
		c := b[j] | 0x20
		if c < '0' || c > 'f' || (c > '9' && c < 'a') {
			break
		}
		v := uint64(c - '0')
		if c > '9' {
			v -= 39 // a/A -> 10
		}
		u = (u << 4) | v
	}
	return u
}

// ParseHexString is ParseHexU64 over a string, without copying.
//
//go:nosplit
//go:inline
func ParseHexString(s string) uint64 {
	if s == "" {
		return 0
	}
	return ParseHexU64(unsafe.Slice(unsafe.StringData(s), len(s)))
}

///////////////////////////////////////////////////////////////////////////////
// Hash & Mixers — For Dedupe Indexing and Shard Selection
///////////////////////////////////////////////////////////////////////////////

// Mix64 applies a Murmur3-style avalanche to a 64-bit value.
// Used to randomize index mapping inside dedupe rings and store shards.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
