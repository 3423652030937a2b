package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// EncryptAESGCM seals plain with key under a fresh random nonce. The
// nonce is returned separately so callers can store it next to the
// ciphertext; backup files keep it in their plaintext header.
func EncryptAESGCM(plain, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plain, nil), nonce, nil
}

// DecryptAESGCM opens ciphertext sealed by EncryptAESGCM. It fails when
// key or nonce do not match or the ciphertext was tampered with.
func DecryptAESGCM(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
