// Package blob stores job artifacts on the local filesystem.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid object key")

// LocalFS keeps objects under Root, one file per key.
type LocalFS struct {
	Root string
}

func (l LocalFS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	abs, err := l.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	// write then rename so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".put-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing object is not an error.
func (l LocalFS) Delete(ctx context.Context, key string) error {
	abs, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (l LocalFS) ReadFile(key string) ([]byte, error) {
	abs, err := l.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (l LocalFS) Exists(key string) bool {
	abs, err := l.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// path resolves key under Root and rejects keys that escape it.
func (l LocalFS) path(key string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimSpace(key))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.Root, clean), nil
}
