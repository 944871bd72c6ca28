package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"
)

// Backup codes avoid visually ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const challengeBytes = 32

// NewOTP draws a numeric one-time password of the given length from
// crypto/rand, one uniform digit at a time.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewBackupCode draws one backup code of the given length from the
// unambiguous alphabet.
func NewBackupCode(length int) (string, error) {
	if length < 8 {
		return "", errors.New("invalid backup code length")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// NewChallenge returns 32 random bytes for WebAuthn ceremonies.
func NewChallenge() ([]byte, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// HashCode hashes a verification code for storage or comparison.
// Plaintext codes are never persisted.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}
