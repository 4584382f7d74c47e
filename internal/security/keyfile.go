package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// SaveKey writes the private key PEM to path with owner-only permissions.
func SaveKey(k *RsaKey, path string) error {
	if !k.HasPrivate() {
		return fmt.Errorf("save key %s: %w", path, ErrPublicOnly)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(k.PrivateKey()), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKey reads a private key PEM file.
func LoadKey(path string) (*RsaKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return NewPrivateKey(string(data))
}

// LoadOrGenerateKey loads the key at path. When the file does not exist and
// generate is set, a new key is created and saved there. An empty path
// always yields an ephemeral key.
func LoadOrGenerateKey(path string, generate bool) (*RsaKey, error) {
	if path == "" {
		return GenerateKey()
	}

	k, err := LoadKey(path)
	if err == nil {
		log.Info().Str("path", path).Msg("rsa key loaded")
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !generate {
		return nil, err
	}

	k, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(k, path); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("bits", KeyBits).Msg("rsa key generated")
	return k, nil
}
