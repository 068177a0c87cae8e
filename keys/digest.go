package keys

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash256 returns the SHA-256 digest of data.
func Hash256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HexEncode encodes data as lowercase hex.
func HexEncode(data []byte) string {
	return hex.EncodeToString(data)
}

// HexDecode decodes a hex string.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
