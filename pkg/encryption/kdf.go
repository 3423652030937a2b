package encryption

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the length of derived store keys. Badger accepts 16,
	// 24 or 32 bytes; 32 selects AES-256.
	KeySize = 32
	// SaltSize is the length of the random salt persisted next to the
	// store directories.
	SaltSize = 16
)

// DeriveStoreKey derives a store encryption key from a passphrase and
// salt using Argon2id with the x/crypto recommended cost (t=1, 64 MiB,
// 4 lanes).
func DeriveStoreKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize)
}

// GenerateSalt returns a fresh random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// LoadOrCreateSalt reads a hex-encoded salt from path, creating it on
// first use. The salt must stay stable across restarts or derived keys
// will no longer open existing stores.
func LoadOrCreateSalt(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		salt, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode salt file %s: %w", path, decodeErr)
		}
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s has unexpected size %d", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file %s: %w", path, err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file %s: %w", path, err)
	}
	return salt, nil
}
