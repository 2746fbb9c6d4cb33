// Микросервис загрузки и раздачи файлов: пишет в объектное хранилище и публикует ObjectFinalized.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voisinage/internal/config"
	"github.com/voisinage/internal/fileserver"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/startup"
	"github.com/voisinage/internal/thumbnail"
)

func main() {
	logger.SetPrefix("files")
	defer logger.Sync()
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	addr := os.Getenv("FILES_ADDR")
	if addr == "" {
		addr = ":8083"
	}
	logger.Infof("starting files service: backend=%s max_upload_mb=%d", cfg.Storage.Backend, cfg.MaxUploadSize>>20)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := startup.ObjectStore(ctx, cfg.Storage)
	if err != nil {
		logger.Errorf("object storage: %v", err)
		os.Exit(1)
	}
	pub, closePub := startup.FinalizePublisher(cfg.Kafka, thumbnail.New(objects, "").Handle)
	defer closePub()

	svc := fileserver.New(objects, pub, cfg.MaxUploadSize, cfg.Storage.PublicURL)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Post("/upload", svc.Upload)
	r.Get("/files/*", func(w http.ResponseWriter, r *http.Request) {
		svc.Serve(w, r, chi.URLParam(r, "*"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: 30 * time.Second, WriteTimeout: 60 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("fileserver listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("fileserver shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("fileserver: %v", err)
			os.Exit(1)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("fileserver shutdown: %v", err)
	}
	logger.Info("fileserver stopped")
}
