package magicsig

import (
	"encoding/base64"
	"strings"
)

// EncodeBase64URL is the padded URL-safe alphabet used throughout the
// Magic Signatures format.
func EncodeBase64URL(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts padded or unpadded input in either alphabet and
// ignores embedded whitespace; peers are inconsistent about all three.
// Unused trailing bits must be zero, so each byte string has exactly one
// encoding per alphabet.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.Strict().DecodeString(s)
}
