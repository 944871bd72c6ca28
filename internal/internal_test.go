package internal

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewOTP(t *testing.T) {
	for _, digits := range []int{6, 8, 10} {
		code, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d): %v", digits, err)
		}
		if len(code) != digits {
			t.Fatalf("NewOTP(%d) = %q", digits, code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("NewOTP(%d) = %q, non-digit %q", digits, code, c)
			}
		}
	}

	for _, digits := range []int{0, 5, 11} {
		if _, err := NewOTP(digits); err == nil {
			t.Fatalf("NewOTP(%d): expected an error", digits)
		}
	}
}

func TestNewBackupCode(t *testing.T) {
	code, err := NewBackupCode(8)
	if err != nil {
		t.Fatalf("NewBackupCode: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code = %q, want 8 characters", code)
	}
	for _, c := range code {
		if !strings.ContainsRune(backupCodeAlphabet, c) {
			t.Fatalf("code %q contains %q, outside the unambiguous alphabet", code, c)
		}
	}

	if _, err := NewBackupCode(4); err == nil {
		t.Fatal("expected an error for a short code")
	}
}

func TestNewChallenge(t *testing.T) {
	a, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("challenge length = %d, want 32", len(a))
	}
	b, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two challenges must not collide")
	}
}

func TestHashCode(t *testing.T) {
	if HashCode("123456") != HashCode("123456") {
		t.Fatal("hashing is not deterministic")
	}
	if HashCode("123456") == HashCode("654321") {
		t.Fatal("distinct codes hashed equal")
	}
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox([]byte("an-encryption-key-of-32-bytes!!!"))
	if err != nil {
		t.Fatalf("new secretbox: %v", err)
	}

	sealed, err := box.Seal([]byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("opened = %q", opened)
	}

	// Fresh nonces: sealing twice never repeats ciphertext.
	again, err := box.Seal([]byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestSecretBoxRejectsTampering(t *testing.T) {
	box, err := NewSecretBox([]byte("an-encryption-key-of-32-bytes!!!"))
	if err != nil {
		t.Fatalf("new secretbox: %v", err)
	}
	sealed, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := box.Open(sealed); err == nil {
		t.Fatal("tampered ciphertext opened")
	}
	if _, err := box.Open([]byte("short")); err == nil {
		t.Fatal("truncated payload opened")
	}

	other, err := NewSecretBox([]byte("another-32-byte-encryption-key!!"))
	if err != nil {
		t.Fatalf("new secretbox: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff // restore
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("wrong key opened the payload")
	}
}

func TestNewSecretBoxKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := NewSecretBox(make([]byte, n)); err == nil {
			t.Fatalf("key length %d: expected an error", n)
		}
	}
}
