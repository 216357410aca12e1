// Package ids generates and validates the opaque identifiers used for
// users, passkey credentials and devices.
//
// An identifier is 32 lowercase base32 characters. The first character is
// a kind tag ('u', 'k' or 'd'); the remaining 31 come from 20 bytes of
// operating-system randomness. The tag makes identifiers self-describing
// without being guessable, and validation is purely structural.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

type Kind string

const (
	KindUser       Kind = "user"
	KindCredential Kind = "credential"
	KindDevice     Kind = "device"
)

const (
	idLength   = 32
	rawEntropy = 20
	alphabet   = "abcdefghijklmnopqrstuvwxyz234567"
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

var kindTags = map[Kind]byte{
	KindUser:       'u',
	KindCredential: 'k',
	KindDevice:     'd',
}

// New returns a fresh identifier for the given kind. The error is fatal to
// the calling operation: there is no fallback randomness source.
func New(kind Kind) (string, error) {
	tag, ok := kindTags[kind]
	if !ok {
		return "", fmt.Errorf("ids: unknown kind %q", kind)
	}

	raw := make([]byte, rawEntropy)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("ids: reading randomness: %w", err)
	}

	encoded := encoding.EncodeToString(raw)
	return string(tag) + encoded[1:], nil
}

// Is reports whether value is structurally a valid identifier of the given
// kind: correct length, correct tag, restricted alphabet. It performs no
// lookup.
func Is(kind Kind, value string) bool {
	tag, ok := kindTags[kind]
	if !ok {
		return false
	}
	if len(value) != idLength {
		return false
	}
	if value[0] != tag {
		return false
	}
	for _, c := range value[1:] {
		if !strings.ContainsRune(alphabet, c) {
			return false
		}
	}
	return true
}
