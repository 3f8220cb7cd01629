package crypto

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadNodeKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")
	passphrase := "test-passphrase-123"

	original, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey failed: %v", err)
	}
	if err := SaveNodeKey(original, keyPath, passphrase); err != nil {
		t.Fatalf("SaveNodeKey failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file should exist: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	loaded, err := LoadNodeKey(keyPath, passphrase)
	if err != nil {
		t.Fatalf("LoadNodeKey failed: %v", err)
	}
	if loaded.DID != original.DID {
		t.Errorf("DID mismatch: got %s, want %s", loaded.DID, original.DID)
	}
	if !loaded.Private.Equal(original.Private) {
		t.Error("private key mismatch")
	}
}

func TestLoadNodeKeyWrongPassphrase(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")

	k, _ := GenerateNodeKey()
	if err := SaveNodeKey(k, keyPath, "correct-passphrase"); err != nil {
		t.Fatalf("SaveNodeKey failed: %v", err)
	}

	if _, err := LoadNodeKey(keyPath, "wrong-passphrase"); err == nil {
		t.Error("LoadNodeKey should fail with wrong passphrase")
	}
}

func TestLoadNodeKeyFileNotFound(t *testing.T) {
	if _, err := LoadNodeKey("/nonexistent/path/node.key", "passphrase"); err == nil {
		t.Error("LoadNodeKey should fail for nonexistent file")
	}
}

func TestLoadNodeKeyFileTooShort(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(keyPath, make([]byte, 20), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if _, err := LoadNodeKey(keyPath, "passphrase"); err == nil {
		t.Error("LoadNodeKey should fail for file that's too short")
	}
}

func TestSaveNodeKeyCreatesParentDirectories(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "subdir", "nested", "node.key")

	k, _ := GenerateNodeKey()
	if err := SaveNodeKey(k, keyPath, "test-passphrase"); err != nil {
		t.Fatalf("SaveNodeKey failed: %v", err)
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Fatal("key file should exist in nested directory")
	}
}

func TestLoadOrCreateNodeKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := LoadOrCreateNodeKey(keyPath, "pw", logger)
	if err != nil {
		t.Fatalf("first LoadOrCreateNodeKey failed: %v", err)
	}
	second, err := LoadOrCreateNodeKey(keyPath, "pw", logger)
	if err != nil {
		t.Fatalf("second LoadOrCreateNodeKey failed: %v", err)
	}
	if first.DID != second.DID {
		t.Errorf("reloaded key differs: %s vs %s", first.DID, second.DID)
	}

	if _, err := LoadOrCreateNodeKey(keyPath, "other", logger); err == nil {
		t.Error("existing key must not be replaced on a bad passphrase")
	}
}
