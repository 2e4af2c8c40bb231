package player

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenStore persists the refresh token between sessions. Expiry is enforced
// by the provider, not tracked here.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// FileTokenStore keeps the refresh token in a single file readable only by
// the owner.
type FileTokenStore struct {
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Load returns the stored refresh token, or empty string when none has been
// saved yet.
func (s *FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}
