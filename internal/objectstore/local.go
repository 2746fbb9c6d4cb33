package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const attrsSuffix = ".attrs.json"

// Local хранит объекты в каталоге, атрибуты — в соседнем JSON-файле. Для разработки и тестов.
type Local struct {
	root   string
	bucket string
	mu     sync.Mutex
}

func NewLocal(root, bucket string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore.NewLocal: %w", err)
	}
	if bucket == "" {
		bucket = "local"
	}
	return &Local{root: root, bucket: bucket}, nil
}

func (l *Local) Bucket() string { return l.bucket }

func (l *Local) file(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) Put(ctx context.Context, p string, r io.Reader, attrs Attrs) error {
	fp, err := l.file(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return fmt.Errorf("objectstore.Put mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fp), ".upload-*")
	if err != nil {
		return fmt.Errorf("objectstore.Put temp: %w", err)
	}
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("objectstore.Put write: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(tmp.Name(), fp); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("objectstore.Put rename: %w", err)
	}
	attrs.Size = n
	attrs.Updated = time.Now().UTC()
	return writeAttrs(fp, &attrs)
}

func (l *Local) Open(_ context.Context, p string) (io.ReadCloser, *Attrs, error) {
	fp, err := l.file(p)
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	attrs, err := readAttrs(fp)
	l.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(fp)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotExist
	}
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore.Open: %w", err)
	}
	return f, attrs, nil
}

func (l *Local) Stat(_ context.Context, p string) (*Attrs, error) {
	fp, err := l.file(p)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return readAttrs(fp)
}

func (l *Local) UpdateMetadata(_ context.Context, p string, md map[string]string) error {
	fp, err := l.file(p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs, err := readAttrs(fp)
	if err != nil {
		return err
	}
	attrs.Metadata = mergeMetadata(attrs.Metadata, md)
	attrs.Updated = time.Now().UTC()
	return writeAttrs(fp, attrs)
}

func readAttrs(fp string) (*Attrs, error) {
	data, err := os.ReadFile(fp + attrsSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read attrs: %w", err)
	}
	var a Attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("objectstore: decode attrs: %w", err)
	}
	return &a, nil
}

func writeAttrs(fp string, a *Attrs) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("objectstore: encode attrs: %w", err)
	}
	if err := os.WriteFile(fp+attrsSuffix, data, 0o644); err != nil {
		return fmt.Errorf("objectstore: write attrs: %w", err)
	}
	return nil
}

// contextReader прерывает копирование при отмене контекста.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
