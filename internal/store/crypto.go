package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealer encrypts secret values with XChaCha20-Poly1305. The application id
// and name are bound as additional data so ciphertexts cannot be moved
// between rows.
type sealer struct {
	aead cipher.AEAD
}

// ParseKey decodes a 64-character hex key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func additionalData(appID, name string) []byte {
	return []byte(appID + "\x00" + name)
}

func (s *sealer) seal(appID, name, plaintext string) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, s.aead.Seal(nil, nonce, []byte(plaintext), additionalData(appID, name)), nil
}

func (s *sealer) open(appID, name string, nonce, ciphertext []byte) (string, error) {
	pt, err := s.aead.Open(nil, nonce, ciphertext, additionalData(appID, name))
	if err != nil {
		return "", fmt.Errorf("decrypting secret %s: %w", name, err)
	}
	return string(pt), nil
}
