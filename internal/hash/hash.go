// Package hash derives stable identifiers and digests for crawled content.
package hash

import (
	"crypto/md5" //nolint:gosec // identifiers only, not security sensitive
	"crypto/sha256"
	"encoding/hex"
)

// DocumentIDPrefix is prepended to every derived document ID.
const DocumentIDPrefix = "doc_"

// DocumentID returns "doc_" followed by the first 16 hex characters of the MD5
// digest of text. Identical texts always map to the same ID.
func DocumentID(text string) string {
	sum := md5.Sum([]byte(text)) //nolint:gosec // see import
	return DocumentIDPrefix + hex.EncodeToString(sum[:])[:16]
}

// ContentHash returns the hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
