package cipher_test

import (
	"bytes"
	"testing"

	"github.com/oxidocli/oxidb/pkg/cipher"
)

func key32() []byte {
	k := make([]byte, cipher.KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := cipher.NewSealer(key32(), "people.dat")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	plain := []byte("hello, document")
	sealed, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("expected the sealed blob not to contain the plaintext verbatim")
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("expected round-trip to recover the plaintext, got %q", opened)
	}
}

func TestDifferentSaltsDeriveDifferentKeys(t *testing.T) {
	s1, _ := cipher.NewSealer(key32(), "a.dat")
	s2, _ := cipher.NewSealer(key32(), "b.dat")
	sealed, err := s1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s2.Open(sealed); err == nil {
		t.Fatal("expected a blob sealed under one file's derived key to fail opening under another's")
	}
}

func TestNewSealerRejectsWrongKeySize(t *testing.T) {
	if _, err := cipher.NewSealer([]byte("too-short"), "x"); err == nil {
		t.Fatal("expected a non-32-byte key to be rejected")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	s, _ := cipher.NewSealer(key32(), "x")
	sealed, err := s.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := s.Open(tampered); err == nil {
		t.Fatal("expected a tampered ciphertext to fail authentication")
	}
}
