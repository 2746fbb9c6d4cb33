// Package fileserver — загрузка вложений в объектное хранилище и их раздача.
// После каждой записи публикуется событие ObjectFinalized (по нему строятся миниатюры).
package fileserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/objectstore"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// UploadPrefix — каталог вложений чата в хранилище.
const UploadPrefix = "attachments/"

// UploadResponse — ответ после успешной загрузки. Type подходит для поля type сообщения.
type UploadResponse struct {
	URL         string `json:"url"`
	Path        string `json:"path"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Type        string `json:"type"`
}

// Service обрабатывает загрузку и раздачу файлов.
type Service struct {
	store         objectstore.Store
	events        events.Publisher
	maxUploadSize int64
	publicURL     string
	now           func() time.Time
}

// New создаёт сервис. pub nil — события не публикуются. publicURL — префикс ссылок (например /files/).
func New(store objectstore.Store, pub events.Publisher, maxUploadSize int64, publicURL string) *Service {
	if publicURL == "" {
		publicURL = "/files/"
	}
	if !strings.HasSuffix(publicURL, "/") {
		publicURL += "/"
	}
	return &Service{store: store, events: pub, maxUploadSize: maxUploadSize, publicURL: publicURL, now: time.Now}
}

// URLFor — внешний адрес объекта.
func (s *Service) URLFor(objectPath string) string {
	return s.publicURL + objectPath
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("fileserver writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Upload обрабатывает POST multipart/form-data с полем "file".
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("fileserver.Upload", time.Now())()
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для отображения и расширения.
	rawFilename := strings.ReplaceAll(header.Filename, "+", " ")
	ext := strings.ToLower(path.Ext(rawFilename))
	if BlockedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(file, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		s.writeError(w, http.StatusBadRequest, "file content does not match type")
		return
	}

	contentType := contentTypeByExt(ext)
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	objectPath := UploadPrefix + uuid.New().String() + ext

	displayName := safeFilename(path.Base(strings.ReplaceAll(rawFilename, "\\", "/")))
	if displayName == "" {
		displayName = path.Base(objectPath)
	}

	err = s.store.Put(ctx, objectPath, io.MultiReader(bytes.NewReader(head), file), objectstore.Attrs{
		ContentType: contentType,
		Metadata:    map[string]string{"fileName": displayName},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("fileserver: put %s: %v", objectPath, err)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	size := header.Size
	if attrs, err := s.store.Stat(ctx, objectPath); err == nil {
		size = attrs.Size
	}
	if s.events != nil {
		ev := events.ObjectFinalized{
			Bucket:      s.store.Bucket(),
			Path:        objectPath,
			ContentType: contentType,
			Size:        size,
			FinalizedAt: s.now().UTC(),
		}
		// Файл уже сохранён: без события останется только без миниатюры.
		if err := s.events.PublishFinalized(ctx, ev); err != nil {
			logger.Warnf("fileserver: finalize event %s: %v", objectPath, err)
		}
	}

	kind := "document"
	if strings.HasPrefix(contentType, "image/") {
		kind = "image"
	}
	s.writeJSON(w, http.StatusOK, UploadResponse{
		URL:         s.URLFor(objectPath),
		Path:        objectPath,
		FileName:    displayName,
		FileSize:    size,
		ContentType: contentType,
		Type:        kind,
	})
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

// Serve отдаёт объект по пути; query name= — имя для Content-Disposition.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, objectPath string) {
	p, err := objectstore.CleanPath(objectPath)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	rc, attrs, err := s.store.Open(r.Context(), p)
	if errors.Is(err, objectstore.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logger.Errorf("fileserver: open %s: %v", p, err)
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer rc.Close()

	ct := attrs.ContentType
	if ct == "" {
		ct = contentTypeByExt(path.Ext(p))
	}
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if attrs.CacheControl != "" {
		w.Header().Set("Cache-Control", attrs.CacheControl)
	}
	if attrs.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(attrs.Size, 10))
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := safeFilename(origName); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			if ascii := asciiFallbackFilename(safe); ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && r.Context().Err() == nil {
		logger.Errorf("fileserver: serve %s: %v", p, err)
	}
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return ""
}

// safeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
// UTF-8 сохраняется: имена с accents не портятся.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename — имя только из ASCII для legacy filename=.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
