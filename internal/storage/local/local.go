// Package local stores blobs in a directory, normally a network filesystem
// mount shared by every application instance.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
	"github.com/welcomeapp/welcomeapp/internal/storage"
)

const tempPattern = ".welcomeapp-*.tmp"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
	// FallbackPath is used when RootPath cannot be created, e.g. when the
	// shared mount is missing on a development machine.
	FallbackPath string
	CreateDirs   bool
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	root, err := ensureDir(cfg.RootPath, cfg.CreateDirs)
	if err != nil {
		if cfg.FallbackPath == "" {
			return nil, err
		}
		logging.Warn("shared storage unavailable, using fallback folder",
			zap.String("root", cfg.RootPath),
			zap.String("fallback", cfg.FallbackPath),
			zap.Error(err))
		root, err = ensureDir(cfg.FallbackPath, true)
		if err != nil {
			return nil, err
		}
	}

	return &LocalBackend{rootPath: root}, nil
}

func ensureDir(path string, create bool) (string, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("root path %s is not a directory", path)
	case err == nil:
		return path, nil
	case os.IsNotExist(err) && create:
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			return "", fmt.Errorf("create root path %s: %w", path, mkErr)
		}
		logging.Info("created storage folder", zap.String("path", path))
		return path, nil
	default:
		return "", fmt.Errorf("stat root path %s: %w", path, err)
	}
}

// Root returns the directory blobs are stored in.
func (b *LocalBackend) Root() string { return b.rootPath }

// fullPath maps a key to a file directly under the root. Keys are flat names;
// anything that could escape the root is rejected.
func (b *LocalBackend) fullPath(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.rootPath, key), nil
}

// GetObject opens a stored file.
func (b *LocalBackend) GetObject(_ context.Context, key string) (rc io.ReadCloser, size int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "get", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// PutObject writes content atomically: readers never see a partial file.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "put", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.rootPath, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: wrote %d bytes, expected %d", key, n, size)
	}
	// The store is shared over the network; flush before the name appears.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordBlobBytesWritten(n)
	return nil
}

// DeleteObject removes a file.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "delete", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists checks if a file exists.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// List returns the regular files under the root, skipping in-flight temp files.
func (b *LocalBackend) List(_ context.Context) ([]storage.ObjectInfo, error) {
	entries, err := os.ReadDir(b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.rootPath, err)
	}

	objects := make([]storage.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		objects = append(objects, storage.ObjectInfo{
			Key:     e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return objects, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
