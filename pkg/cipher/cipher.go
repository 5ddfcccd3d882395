// Package cipher implements the transparent at-rest encryption toggle:
// AES-GCM with a per-record 12-byte nonce and 16-byte tag, key material
// derived per collection file via HKDF so a single configured key can seal
// many independent files without nonce reuse across them.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = 12
	TagSize   = 16
	KeySize   = 32
)

// Sealer seals/opens byte blobs for one on-disk file using a key derived
// from the engine-wide EncryptionKey and that file's path as HKDF info, so
// compromising one file's derived key does not expose the others.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a per-file key from masterKey via HKDF-SHA256 using
// salt as context (typically the file path), and builds an AES-GCM AEAD.
func NewSealer(masterKey []byte, salt string) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, errors.New("cipher: encryption key must be 32 bytes")
	}
	derived := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(salt))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts a nonce||ciphertext||tag blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, errors.New("cipher: sealed blob too short")
	}
	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
