package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrExists is returned by Write when the target file exists and overwrite
// was not requested.
var ErrExists = errors.New("config file already exists")

const header = `# pgsync configuration.
# Every key can be overridden with PGSYNC_<SECTION>_<KEY>, e.g. PGSYNC_POSTGRES_PASSWORD.

`

// Write encodes c as TOML to path. The file is written to a temporary name
// first and renamed into place.
func Write(path string, c *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pgsync-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	// The file may hold passwords.
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move config into place: %w", err)
	}
	return nil
}

// WriteDefault writes the default settings to path.
func WriteDefault(path string, overwrite bool) error {
	return Write(path, Default(), overwrite)
}
