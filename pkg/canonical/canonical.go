// Package canonical computes stable hashes over JSON payloads (RFC 8785
// canonicalization, SHA-256) and normalizes user-supplied text to NFC so that
// equal-looking titles compare equal in events and read models.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Hash canonicalizes a JSON document and returns its digest in the
// "sha256:<hex>" form stored alongside every event.
func Hash(raw []byte) (string, error) {
	transformed, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonical: transform: %w", err)
	}
	sum := sha256.Sum256(transformed)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// NFC returns s in Unicode Normalization Form C.
func NFC(s string) string {
	return norm.NFC.String(s)
}
