package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
)

// ErrKeyFileCorrupt is returned when a key file cannot be decoded.
var ErrKeyFileCorrupt = errors.New("crypto: key file corrupt")

// storedKey is the JSON structure for storage.
type storedKey struct {
	Seed []byte `json:"seed"`
	DID  string `json:"did"`
}

// deriveKey uses Argon2id to derive an AES-256 key from passphrase.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// SaveNodeKey encrypts the key with passphrase and writes it to path as
// salt || nonce || ciphertext.
func SaveNodeKey(k *NodeKey, path, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(storedKey{Seed: k.Private.Seed(), DID: k.DID})
	if err != nil {
		return fmt.Errorf("failed to serialize node key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, data, nil)

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadNodeKey decrypts the key stored at path.
func LoadNodeKey(path, passphrase string) (*NodeKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("%w: file too short", ErrKeyFileCorrupt)
	}

	salt := data[:saltSize]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := data[saltSize : saltSize+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, data[saltSize+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase?): %w", err)
	}

	var stored storedKey
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileCorrupt, err)
	}
	if len(stored.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrKeyFileCorrupt, len(stored.Seed))
	}

	priv := ed25519.NewKeyFromSeed(stored.Seed)
	k := newNodeKey(priv, priv.Public().(ed25519.PublicKey))
	if stored.DID != "" && stored.DID != k.DID {
		return nil, fmt.Errorf("%w: did does not match key", ErrKeyFileCorrupt)
	}
	return k, nil
}

// LoadOrCreateNodeKey loads the key at path, generating and saving a new one
// when the file does not exist.
func LoadOrCreateNodeKey(path, passphrase string, logger *slog.Logger) (*NodeKey, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); err == nil {
		k, err := LoadNodeKey(path, passphrase)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded node key", "path", path, "did", k.DID)
		return k, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	k, err := GenerateNodeKey()
	if err != nil {
		return nil, err
	}
	if err := SaveNodeKey(k, path, passphrase); err != nil {
		return nil, fmt.Errorf("failed to save node key: %w", err)
	}
	logger.Info("generated node key", "path", path, "did", k.DID)
	return k, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
