package store

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// CodeAlphabet is the visually-unambiguous set used for generated room
// codes: no 0/O or 1/I/l confusion.
const CodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// generateCode builds a room code of the given total length: the uppercased
// region prefix, then a random tail from the alphabet.
func generateCode(length int, regionPrefix string) string {
	prefix := strings.ToUpper(regionPrefix)
	if len(prefix) >= length {
		prefix = prefix[:length-1]
	}

	var b strings.Builder
	b.Grow(length)
	b.WriteString(prefix)
	for i := len(prefix); i < length; i++ {
		b.WriteByte(CodeAlphabet[rand.IntN(len(CodeAlphabet))])
	}
	return b.String()
}

// NormalizeClientCode validates a caller-supplied room code and returns its
// canonical (uppercased) form. Client codes are free to use the full
// alphanumeric range; only generated codes are restricted to CodeAlphabet.
func NormalizeClientCode(code string) (string, error) {
	if len(code) < 4 || len(code) > 12 {
		return "", fmt.Errorf("room code must be 4-12 characters (got %d)", len(code))
	}
	upper := strings.ToUpper(code)
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return "", fmt.Errorf("room code contains invalid character %q", r)
	}
	return upper, nil
}
