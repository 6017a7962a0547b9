// Package checksum computes SHA-256 digests of image bytes. The relocate
// command uses it to verify that a copied image matches its source.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 returns the hex SHA-256 digest of everything read from reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 reports whether the digest of reader equals expectedChecksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}
	return actualChecksum == expectedChecksum, nil
}

// Equal reports whether a and b yield the same bytes, comparing their digests
func Equal(a, b io.Reader) (bool, error) {
	want, err := CalculateSHA256(a)
	if err != nil {
		return false, err
	}
	return VerifySHA256(b, want)
}
