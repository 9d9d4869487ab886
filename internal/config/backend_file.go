package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

const appName = "deepqueue"

// xdgDir resolves $<env>/deepqueue, falling back to ~/<rel...>/deepqueue.
func xdgDir(env string, rel ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return appName
		}
		base = filepath.Join(append([]string{home}, rel...)...)
	}
	return filepath.Join(base, appName)
}

// defaultDataDir holds the SQLite database when storage.backend is sqlite.
func defaultDataDir() string { return xdgDir("XDG_DATA_HOME", ".local", "share") }

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

// Path reports where `deepqueue config set` writes.
func Path() string { return configFilePath() }

// fileBackend keeps the non-secret keys as one flat JSON object, e.g.
// {"server.port": 4000, "storage.backend": "redis"}. Secret keys found in
// the file are dropped on load; they come from the environment only.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend() ConfigBackend { return openFileBackend(configFilePath()) }

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	if err := b.read(); err != nil {
		slog.Warn("ignoring config file", "path", path, "error", err)
	}
	return b
}

func (b *fileBackend) read() error {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	values := map[string]any{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parsing %s: %w", b.path, err)
	}
	for k := range values {
		if s, ok := specFor(k); ok && s.secret {
			slog.Warn("secret in config file ignored; set it in the environment", "key", k, "env", s.env)
			delete(values, k)
		}
	}
	b.values = values
	return nil
}

// write replaces the file atomically so a crash never leaves half a config.
func (b *fileBackend) write() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

// GetInt accepts JSON numbers and numeric strings, e.g. "server.port": "8080".
func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt || n > math.MaxInt {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.values[key] = val
	return b.write()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.values[key] = val
	return b.write()
}

func (b *fileBackend) Delete(key string) error {
	delete(b.values, key)
	return b.write()
}
