package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voisinage/internal/logger"
)

// RequestLog пишет method, path, статус и длительность; медленные запросы видны и на уровне info.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", status,
			"bytes", ww.BytesWritten(), "request_id", chimw.GetReqID(r.Context()))
		if status >= 500 {
			logger.Warnf("http %s %s -> %d", r.Method, r.URL.Path, status)
		}
	})
}
