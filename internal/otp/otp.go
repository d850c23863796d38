// Package otp implements one-time codes gating sensitive actions:
// generation profiles, salted PBKDF2 storage with TTL, single-use
// verification with attempt throttling.
package otp

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// Profile selects the code alphabet and length.
type Profile int

const (
	// ProfilePrincipal is merchant-facing: 6 chars over digits and symbols.
	// Low entropy by itself; the strict verify throttle carries the load.
	ProfilePrincipal Profile = iota
	// ProfileSender is end-user-facing: 8 chars over the full alphabet.
	ProfileSender
)

const (
	principalAlphabet = "0123456789!@#$%^&*"
	senderAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"

	principalLength = 6
	senderLength    = 8
)

// Purpose tags what a code authorizes.
type Purpose string

const (
	PurposeRegister      Purpose = "REGISTER"
	PurposeApprove       Purpose = "APPROVE"
	PurposeMutateProfile Purpose = "MUTATE_PROFILE"
	PurposeCounterAccept Purpose = "COUNTER_ACCEPT"
)

// PBKDF2 parameters. The stored value is salt || PBKDF2-SHA512(code, salt).
const (
	saltBytes  = 16
	pbkdf2Iter = 10_000
	pbkdf2Len  = 64
)

// GenerateCode draws a uniform random code for the profile.
func GenerateCode(p Profile) (string, error) {
	alphabet, length := senderAlphabet, senderLength
	if p == ProfilePrincipal {
		alphabet, length = principalAlphabet, principalLength
	}

	buf := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("otp random draw: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// NewSalt returns a fresh per-record salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("otp salt: %w", err)
	}
	return salt, nil
}

// HashCode derives the stored hash for a code under a salt.
func HashCode(code string, salt []byte) []byte {
	return pbkdf2.Key([]byte(code), salt, pbkdf2Iter, pbkdf2Len, sha512.New)
}

// CompareHash reports whether a presented code matches the stored hash.
// Constant-time over the derived key.
func CompareHash(presented string, salt, storedHash []byte) bool {
	derived := HashCode(presented, salt)
	return subtle.ConstantTimeCompare(derived, storedHash) == 1
}

// CodeShape reports whether s could be an OTP code at all: exact profile
// length over the profile alphabet. The classifier uses this for the
// bare-code path.
func CodeShape(s string) bool {
	switch len(s) {
	case principalLength:
		return allIn(s, principalAlphabet)
	case senderLength:
		return allIn(s, senderAlphabet)
	default:
		return false
	}
}

func allIn(s, alphabet string) bool {
	for i := 0; i < len(s); i++ {
		found := false
		for j := 0; j < len(alphabet); j++ {
			if s[i] == alphabet[j] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
