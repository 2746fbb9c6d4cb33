package handler

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voisinage/internal/fileserver"
	"github.com/voisinage/internal/logger"
)

// FileHandler загружает и отдаёт вложения: в процессе (fileserver) или через сервис files.
type FileHandler struct {
	fileSvc       *fileserver.Service
	fileClient    *http.Client
	fileBase      string
	maxUploadSize int64
}

// NewFileHandler: fileServiceURL пустой — используется svc в процессе.
func NewFileHandler(svc *fileserver.Service, fileServiceURL string, maxUploadSize int64) *FileHandler {
	h := &FileHandler{maxUploadSize: maxUploadSize}
	if fileServiceURL == "" {
		h.fileSvc = svc
	} else {
		h.fileClient = &http.Client{Timeout: 60 * time.Second}
		h.fileBase = strings.TrimSuffix(fileServiceURL, "/")
	}
	return h
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.fileSvc != nil {
		h.fileSvc.Upload(w, r)
		return
	}
	// Content-Length обязателен для корректного парсинга multipart на стороне files.
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.fileBase+"/upload", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	proxyReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	proxyReq.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if r.ContentLength > 0 {
		proxyReq.ContentLength = r.ContentLength
	}
	h.proxy(w, proxyReq)
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	objectPath := chi.URLParam(r, "*")
	if h.fileSvc != nil {
		h.fileSvc.Serve(w, r, objectPath)
		return
	}
	proxyURL := h.fileBase + "/files/" + escapePath(objectPath)
	if name := r.URL.Query().Get("name"); name != "" {
		proxyURL += "?name=" + url.QueryEscape(name)
	}
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, proxyURL, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.proxy(w, proxyReq)
}

func (h *FileHandler) proxy(w http.ResponseWriter, req *http.Request) {
	resp, err := h.fileClient.Do(req)
	if err != nil {
		logger.Errorf("file proxy %s: %v", req.URL.Path, err)
		writeError(w, http.StatusBadGateway, "file service unavailable")
		return
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Content-Type") ||
			strings.EqualFold(k, "Content-Disposition") || strings.EqualFold(k, "Cache-Control") {
			w.Header()[k] = v
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
