// Package pairing implements the access-code authenticator that admits a
// remote operator into a live support session: short-lived pairing codes,
// constant-time validation with per-client lockout, and session
// lifetime management with an absolute expiry cap.
//
// A successfully validated code deliberately stays valid until its own TTL
// elapses, so the session owner and a reconnecting operator can both present
// it; the TTL and lockout bound the exposure.
package pairing

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet is case-insensitive alphanumerics minus visually ambiguous
// characters (0/O, 1/I). Its length divides 256 evenly, so mapping random
// bytes by modulo introduces no bias.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of alphabet characters in a pairing code,
// excluding separators.
const CodeLength = 12

const codeGroupSize = 3

// GenerateCode draws a pairing code from the CSPRNG and formats it in groups
// of three for reading aloud, e.g. "XXX-XXX-XXX-XXX".
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing: read random bytes: %w", err)
	}
	var b strings.Builder
	for i, v := range buf {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeCode strips separators and whitespace and uppercases, producing
// the form codes are stored and compared in.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ', '\t':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
