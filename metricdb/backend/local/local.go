// Package local stores segment objects on the local filesystem. It exists
// for development and tests; production archives belong on object storage.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafana/urd/metricdb/backend"
)

type readerWriter struct {
	cfg *Config
}

var (
	_ backend.Reader = (*readerWriter)(nil)
	_ backend.Writer = (*readerWriter)(nil)
)

func New(cfg *Config) (backend.Reader, backend.Writer, error) {
	err := os.MkdirAll(cfg.Path, os.ModePerm)
	if err != nil {
		return nil, nil, err
	}

	rw := &readerWriter{cfg: cfg}
	return rw, rw, nil
}

// Write implements backend.Writer
func (rw *readerWriter) Write(_ context.Context, name string, data io.Reader, _ int64) error {
	p := rw.objectPath(name)
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return err
	}

	f, err := os.Create(p)
	if err != nil {
		return err
	}

	_, err = io.Copy(f, data)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete implements backend.Writer
func (rw *readerWriter) Delete(_ context.Context, name string) error {
	err := os.Remove(rw.objectPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return backend.ErrDoesNotExist
	}
	return err
}

// Read implements backend.Reader
func (rw *readerWriter) Read(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(rw.objectPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, backend.ErrDoesNotExist
	}
	if err != nil {
		return nil, 0, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, stat.Size(), nil
}

// List implements backend.Reader
func (rw *readerWriter) List(_ context.Context, prefix string) ([]string, error) {
	var objects []string
	err := filepath.WalkDir(rw.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rw.cfg.Path, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			objects = append(objects, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// Shutdown implements backend.Reader
func (rw *readerWriter) Shutdown() {
}

func (rw *readerWriter) objectPath(name string) string {
	return filepath.Join(rw.cfg.Path, filepath.FromSlash(name))
}
