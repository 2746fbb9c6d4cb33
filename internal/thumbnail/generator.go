// Package thumbnail строит миниатюры загруженных изображений: вписывание в 200×200 без увеличения,
// JPEG качества 85, перенос EXIF, запись рядом с оригиналом под префиксом thumb_.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/objectstore"
)

const (
	Prefix       = "thumb_"
	MaxSize      = 200
	JPEGQuality  = 85
	CacheControl = "public, max-age=31536000, immutable"
)

// ErrInternal — сбой обработки; вызов считается неуспешным и будет повторён платформой.
var ErrInternal = errors.New("thumbnail: internal error")

// Result описывает исход вызова. Skipped — предусловие не выполнено, работа не делалась.
type Result struct {
	Skipped   bool
	Reason    string
	ThumbPath string
	Width     int
	Height    int
}

type Generator struct {
	store   objectstore.Store
	tmpRoot string
}

// New создаёт генератор. tmpRoot пустой — системный каталог временных файлов.
func New(store objectstore.Store, tmpRoot string) *Generator {
	return &Generator{store: store, tmpRoot: tmpRoot}
}

// Handle — обработчик события ObjectFinalized.
func (g *Generator) Handle(ctx context.Context, ev events.ObjectFinalized) error {
	res, err := g.Generate(ctx, ev.Path, ev.ContentType)
	if err != nil {
		return err
	}
	if res.Skipped {
		logger.Debugw("thumbnail skipped", "path", ev.Path, "reason", res.Reason)
	}
	return nil
}

// ThumbPath возвращает путь миниатюры в том же каталоге, что и оригинал.
func ThumbPath(objectPath string) string {
	dir, base := path.Split(objectPath)
	return dir + Prefix + base
}

// Generate проверяет предусловия по порядку (тип image/*, имя без thumb_, непустой путь),
// затем строит и загружает миниатюру и отмечает оригинал.
func (g *Generator) Generate(ctx context.Context, objectPath, contentType string) (*Result, error) {
	defer logger.DeferLogDuration("thumbnail.Generate", time.Now())()
	if !strings.HasPrefix(contentType, "image/") {
		return &Result{Skipped: true, Reason: "not an image"}, nil
	}
	if strings.HasPrefix(path.Base(objectPath), Prefix) {
		return &Result{Skipped: true, Reason: "already a thumbnail"}, nil
	}
	if objectPath == "" {
		return &Result{Skipped: true, Reason: "empty path"}, nil
	}

	workDir, err := os.MkdirTemp(g.tmpRoot, "thumb-*")
	if err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %w", ErrInternal, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Errorf("thumbnail: cleanup %s: %v", workDir, err)
		}
	}()

	res, err := g.process(ctx, workDir, objectPath)
	if err != nil {
		logger.Errorf("thumbnail: %s: %v", objectPath, err)
		return nil, fmt.Errorf("%w: %s: %w", ErrInternal, objectPath, err)
	}
	logger.Infof("thumbnail: %s -> %s (%dx%d)", objectPath, res.ThumbPath, res.Width, res.Height)
	return res, nil
}

func (g *Generator) process(ctx context.Context, workDir, objectPath string) (*Result, error) {
	base := path.Base(objectPath)
	srcFile := filepath.Join(workDir, base)
	if _, err := objectstore.Download(ctx, g.store, objectPath, srcFile); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	src, err := os.ReadFile(srcFile)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	thumb := imaging.Fit(img, MaxSize, MaxSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := withSegment(buf.Bytes(), exifSegment(src))

	thumbFile := filepath.Join(workDir, Prefix+base)
	if err := os.WriteFile(thumbFile, out, 0o600); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	f, err := os.Open(thumbFile)
	if err != nil {
		return nil, fmt.Errorf("reopen: %w", err)
	}
	defer f.Close()

	thumbPath := ThumbPath(objectPath)
	err = g.store.Put(ctx, thumbPath, f, objectstore.Attrs{
		ContentType:  "image/jpeg",
		CacheControl: CacheControl,
		Metadata: map[string]string{
			"isThumb":                       "true",
			"originalPath":                  objectPath,
			"firebaseStorageDownloadTokens": uuid.New().String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := g.store.UpdateMetadata(ctx, objectPath, map[string]string{
		"thumbnailPath": thumbPath,
		"hasThumbnail":  "true",
	}); err != nil {
		return nil, fmt.Errorf("mark original: %w", err)
	}
	b := thumb.Bounds()
	return &Result{ThumbPath: thumbPath, Width: b.Dx(), Height: b.Dy()}, nil
}
