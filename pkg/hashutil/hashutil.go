package hashutil

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// LockKey derives a signed 64-bit advisory-lock key from the parts of a
// contention domain. Parts are joined with a separator that cannot appear
// in identifiers so that ("ab","c") and ("a","bc") map to different keys.
func LockKey(parts ...string) int64 {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
