package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyDir is the user-scoped directory holding the generated master key.
const DefaultKeyDir = ".cachibot"

const keyFileName = "master.key"

// ResolveMasterKey loads the 256-bit master key. Resolution order: the
// explicit hex value (normally CACHIBOT_MASTER_KEY), then the key file under
// ~/.cachibot, then a freshly generated key persisted to that file.
func ResolveMasterKey(log *slog.Logger, hexKey string) ([]byte, error) {
	if log == nil {
		log = slog.Default()
	}
	if trimmed := strings.TrimSpace(hexKey); trimmed != "" {
		key, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
		}
		return key, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return resolveKeyFile(log, filepath.Join(home, DefaultKeyDir, keyFileName))
}

func resolveKeyFile(log *slog.Logger, path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, decodeErr)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("key file %s must hold %d hex-encoded bytes", path, masterKeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	log.Warn("generated new master key; losing this file means losing all encrypted credentials",
		slog.String("path", path))
	return key, nil
}
