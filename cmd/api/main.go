package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outdial-platform/internal/auth"
	"outdial-platform/internal/callrecord"
	"outdial-platform/internal/config"
	"outdial-platform/internal/dialer"
	"outdial-platform/internal/httpapi"
	"outdial-platform/internal/jobqueue"
	"outdial-platform/internal/llm"
	"outdial-platform/internal/memory"
	"outdial-platform/internal/numberpool"
	"outdial-platform/internal/relay"
	"outdial-platform/internal/session"
	"outdial-platform/internal/telephony"
	"outdial-platform/pkg/logger"
	"outdial-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	tokens, err := auth.NewStreamTokens(cfg.Auth)
	if err != nil {
		log.Error("stream token init failed", "err", err)
		os.Exit(1)
	}
	provider, err := telephony.NewTwilioProvider(cfg.Twilio)
	if err != nil {
		log.Error("twilio init failed", "err", err)
		os.Exit(1)
	}
	backend, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Error("llm init failed", "err", err)
		os.Exit(1)
	}

	sessions := session.NewStore()
	numbers := numberpool.NewAllocator(cfg.Twilio.Numbers)
	records := callrecord.NewStore(db)
	extractor := memory.NewExtractor(backend, records, log)

	queue := jobqueue.New(rdb, "outdial", cfg.Queue.Attempts, cfg.Queue.Backoff)
	svc := dialer.NewService(provider, numbers, sessions, records, tokens, rdb, cfg.App.PublicBaseURL, log)
	jobHandlers := dialer.NewJobHandlers(svc, queue)
	pool := jobqueue.NewPool(queue, cfg.Queue.Concurrency, jobHandlers.Handlers(), jobHandlers.OnAbandon, log)

	coordinator := relay.NewCoordinator(sessions, records, numbers, queue, backend, extractor, provider, tokens, svc, log)

	pool.Start(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, cfg, httpapi.Handlers{
		Queue:         queue,
		Pool:          pool,
		Records:       records,
		Coordinator:   coordinator,
		Dialer:        svc,
		Tokens:        tokens,
		Sessions:      sessions,
		Numbers:       numbers,
		DB:            db,
		PublicBaseURL: cfg.App.PublicBaseURL,
	}, coordinator)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long write timeout: the stream endpoint holds a websocket open
		// for the duration of a phone call.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	pool.Stop(shutdownCtx)

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
