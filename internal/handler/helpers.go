package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ. Внутренние детали наружу не уходят.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var retry *chat.RetryableError
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, chat.ErrInvalid):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), chat.ErrInvalid.Error()+": "))
	case errors.As(err, &retry):
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.RetryAfter.Seconds()))))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryFloat возвращает ok=false, если параметр есть, но не число.
func queryFloat(r *http.Request, key string, defaultVal float64) (float64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
