// ABOUTME: Signing key generation and loading for scoped tokens
// ABOUTME: Keys are 32 random bytes persisted hex-encoded with owner-only permissions

package scopedtoken

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateKeyFile creates a fresh 32-byte signing key and writes it
// hex-encoded to path with 0600 permissions. The parent directory is
// created if needed. Fails if the file already exists.
func GenerateKeyFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	key := make([]byte, MinKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// LoadKeyFile reads a hex-encoded signing key and enforces the minimum
// key length. A short or undecodable key is an error, never silently used.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("%w: %s holds %d bytes, need %d", ErrWeakKey, path, len(key), MinKeyLen)
	}
	return key, nil
}

// LoadOrGenerateKeyFile loads the key at path, generating it on first use.
func LoadOrGenerateKeyFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return GenerateKeyFile(path)
	}
	return LoadKeyFile(path)
}
