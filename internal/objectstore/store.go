// Package objectstore — объектное хранилище загрузок (фото объявлений, вложения, миниатюры).
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// ErrNotExist — объекта по пути нет.
var ErrNotExist = errors.New("object not found")

// Attrs — атрибуты объекта. Metadata — пользовательские ключи (x-amz-meta-* для S3).
type Attrs struct {
	ContentType  string            `json:"content_type"`
	CacheControl string            `json:"cache_control,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Size         int64             `json:"size"`
	Updated      time.Time         `json:"updated"`
}

type Store interface {
	Bucket() string
	Put(ctx context.Context, path string, r io.Reader, attrs Attrs) error
	Open(ctx context.Context, path string) (io.ReadCloser, *Attrs, error)
	Stat(ctx context.Context, path string) (*Attrs, error)
	// UpdateMetadata сливает md с уже записанными ключами.
	UpdateMetadata(ctx context.Context, path string, md map[string]string) error
}

// CleanPath нормализует путь объекта и отвергает выход за корень.
func CleanPath(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("objectstore: empty path")
	}
	return p, nil
}

// Download копирует объект в локальный файл dst.
func Download(ctx context.Context, s Store, objectPath, dst string) (*Attrs, error) {
	rc, attrs, err := s.Open(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("objectstore.Download create: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return nil, fmt.Errorf("objectstore.Download copy: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("objectstore.Download close: %w", err)
	}
	return attrs, nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
