// Package device persists the identity this link presents to the relay.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const prefix = "device_"

// NewID returns a fresh device id of the form device_<uuid>.
func NewID() string {
	return prefix + uuid.NewString()
}

// LoadOrCreate returns the id stored at path, creating and persisting a new
// one when the file is missing or empty.
func LoadOrCreate(path string) (string, error) {
	if path == "" {
		return "", errors.New("device id file is not configured")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := NewID()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create device id dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// Resolve prefers an explicitly configured id over the persisted one.
func Resolve(configured, path string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, nil
	}
	return LoadOrCreate(path)
}
