package encryption

import (
	"bytes"
	"testing"
)

func TestAESGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, KeySize)
	plain := []byte(`{"serviceId":"deviceA","capability":"storage"}`)

	ciphertext, nonce, err := EncryptAESGCM(plain, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM() error = %v", err)
	}
	if bytes.Equal(ciphertext, plain) {
		t.Error("ciphertext equals plaintext")
	}

	got, err := DecryptAESGCM(ciphertext, key, nonce)
	if err != nil {
		t.Fatalf("DecryptAESGCM() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("decrypted = %q, want %q", got, plain)
	}
}

func TestAESGCMRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, KeySize)

	ciphertext, nonce, err := EncryptAESGCM([]byte("profile record"), key)
	if err != nil {
		t.Fatalf("EncryptAESGCM() error = %v", err)
	}

	ciphertext[0] ^= 0xFF
	if _, err := DecryptAESGCM(ciphertext, key, nonce); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
}

func TestAESGCMRejectsWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, KeySize)
	wrongKey := bytes.Repeat([]byte{0xCD}, KeySize)

	ciphertext, nonce, err := EncryptAESGCM([]byte("profile record"), key)
	if err != nil {
		t.Fatalf("EncryptAESGCM() error = %v", err)
	}

	if _, err := DecryptAESGCM(ciphertext, wrongKey, nonce); err == nil {
		t.Error("expected failure when decrypting with the wrong key")
	}
}

func TestAESGCMRejectsBadKeySize(t *testing.T) {
	if _, _, err := EncryptAESGCM([]byte("data"), []byte("short")); err == nil {
		t.Error("expected error for invalid key size")
	}
}
