package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/config"
	"github.com/voisinage/internal/fileserver"
	"github.com/voisinage/internal/handler"
	"github.com/voisinage/internal/jobs"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/posts"
	"github.com/voisinage/internal/push"
	"github.com/voisinage/internal/realtime"
	"github.com/voisinage/internal/repository"
	"github.com/voisinage/internal/startup"
	"github.com/voisinage/internal/storage/memory"
	"github.com/voisinage/internal/thumbnail"
	"github.com/voisinage/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	defer logger.Sync()
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep conversations and posts in memory (no database)")
	token := flag.String("token", "", "print a bearer token for user id (dev only) and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	if *token != "" {
		printToken(cfg, *token)
		return
	}
	if err := run(cfg, *migrate, *dev, *inMemory); err != nil {
		logger.Errorf("api: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func printToken(cfg *config.Config, userID string) {
	if cfg.Production {
		logger.Errorf("-token is not available in production")
		os.Exit(1)
	}
	t, err := middleware.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer).Sign(model.Participant{ID: userID, DisplayName: userID}, 24*time.Hour)
	if err != nil {
		logger.Errorf("sign token: %v", err)
		os.Exit(1)
	}
	fmt.Println(t)
}

// stores — хранилища бесед и объявлений: Postgres или память.
type stores struct {
	chat  chat.Store
	posts posts.Store
}

func run(cfg *config.Config, migrateOnly, dev, inMemory bool) error {
	logger.Info("starting API service")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st stores
	if inMemory {
		logger.Info("storage: in-memory (data is lost on restart)")
		mem := memory.New()
		st = stores{chat: mem, posts: mem}
	} else {
		if dev {
			db, url, err := startup.EmbeddedPostgres(filepath.Join(".", ".pgdata"), 5432)
			if err != nil {
				return fmt.Errorf("embedded postgres: %w", err)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := db.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
			cfg.Database.URL = url
		}
		pool, err := startup.ConnectDB(ctx, cfg.DatabaseURL(), cfg.DBMaxConnections(), 60*time.Second)
		if err != nil {
			return err
		}
		defer pool.Close()
		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = startup.RunMigrations(migCtx, pool)
		cancel()
		if err != nil {
			return err
		}
		if migrateOnly {
			return nil
		}
		logger.Info("database connected, migrations applied")
		st = stores{chat: repository.NewChatStore(pool), posts: repository.NewPostStore(pool)}
	}

	var wg sync.WaitGroup
	var broker chat.Broker
	if cfg.RedisURL != "" {
		rdb, err := startup.ConnectRedis(ctx, cfg.RedisURL, 30*time.Second)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rt := realtime.NewRedis(rdb.Redis(), "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Run(ctx)
		}()
		broker = rt
	} else {
		logger.Info("realtime: REDIS_URL not set, listeners are local to this instance")
		broker = realtime.NewLocal()
	}

	objects, err := startup.ObjectStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	pub, closePub := startup.FinalizePublisher(cfg.Kafka, thumbnail.New(objects, "").Handle)
	defer closePub()

	pushClient := push.NewClient(cfg.PushServiceURL, cfg.PushInternalSecret)
	if !pushClient.Enabled() {
		logger.Info("push: PUSH_SERVICE_URL not set, notifications disabled")
	}
	chatSvc := chat.NewService(st.chat, broker, pushClient)
	fileSvc := fileserver.New(objects, pub, cfg.MaxUploadSize, cfg.Storage.PublicURL)
	postSvc := posts.NewService(st.posts, chatSvc,
		posts.WithObjects(objects, pub),
		posts.WithPublicURL(fileSvc.URLFor),
	)

	scheduler, err := jobs.NewScheduler(cfg.ReconcileSchedule, chatSvc)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatSvc, cfg.MaxWSConnections)
	go hub.Run(hubCtx)

	routes := &handler.Router{
		Verifier:       middleware.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:        middleware.NewRateLimiter(cfg.RateLimitPerMinute, 0),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Chat:           handler.NewChatHandler(chatSvc),
		Posts:          handler.NewPostHandler(postSvc, cfg.MaxUploadSize),
		Files:          handler.NewFileHandler(fileSvc, cfg.FileServiceURL, cfg.MaxUploadSize),
		Push:           handler.NewPushHandler(pushClient),
		Config:         handler.NewConfigHandler(cfg, pushClient),
		WS:             handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	}
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      routes.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			hubCancel()
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	<-hub.Done()
	logger.Info("hub stopped")
	stop()
	wg.Wait()
	return nil
}
