package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arenabuilder"
	appcfg "github.com/syntaxsurge/escrowzy-okx-sub005/internal/config"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/httpapi"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, reading environment only")
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := arenabuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("arena_init_error", zap.Error(err))
	}
	defer deps.Close()

	api, err := httpapi.NewServer(httpapi.ServerConfig{
		Logger:         logger,
		Service:        deps.Service,
		Redis:          deps.Redis,
		Catalog:        deps.Catalog,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Fatal("http_init_error", zap.Error(err))
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := deps.Service.NewScheduler()
	if err != nil {
		logger.Fatal("scheduler_init_error", zap.Error(err))
	}

	deps.Jobs.Start(ctx)
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_error", zap.Error(err))
	}
	logger.Info("shutting_down")
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler_stop_failed", zap.Error(err))
	}
	deps.Jobs.Stop()
}
