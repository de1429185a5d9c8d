package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "resilcache/record-key/v1"

// Sealer encrypts records at rest with XChaCha20-Poly1305. The record key is
// bound as associated data, so a ciphertext moved under another key fails to
// open. The process secret lives in a memguard enclave and the derived key
// never leaves this type.
type Sealer struct {
	aead   cipher.AEAD
	secret *memguard.Enclave
}

// NewSealer derives the record key from secret and salt with HKDF-SHA256. The
// secret slice is wiped.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("store: encryption secret required")
	}
	return newSealerFromEnclave(memguard.NewEnclave(secret), salt)
}

func newSealerFromEnclave(enclave *memguard.Enclave, salt []byte) (*Sealer, error) {
	if enclave == nil {
		return nil, errors.New("store: encryption secret required")
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("store: open secret enclave: %w", err)
	}
	defer buf.Destroy()

	key := make([]byte, chacha20poly1305.KeySize)
	defer memguard.WipeBytes(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("store: derive record key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	return &Sealer{aead: aead, secret: enclave}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

// Open authenticates and decrypts sealed. Any failure wraps ErrCorruption.
func (s *Sealer) Open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: record %q truncated", ErrCorruption, key)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: record %q: %v", ErrCorruption, key, err)
	}
	return plaintext, nil
}

// Overhead is the number of bytes Seal adds to a plaintext.
func (s *Sealer) Overhead() int {
	return s.aead.NonceSize() + s.aead.Overhead()
}
