package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/packstation/internal/config"
	"github.com/DoyleJ11/packstation/internal/httpapi"
	"github.com/DoyleJ11/packstation/internal/hub"
	"github.com/DoyleJ11/packstation/internal/logging"
	"github.com/DoyleJ11/packstation/internal/records"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var repo records.Repository
	if cfg.DatabaseURL != "" {
		pg, err := records.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		repo = pg
		logger.Info("using postgres record store")
	} else {
		repo = records.NewMemoryRepository()
		logger.Warn("PACKSTATION_DATABASE_URL not set, records are kept in memory")
	}

	h := hub.NewHub(ctx, logger)
	svc := records.NewService(repo, h, logger)

	// Build the router *with* the hub injected
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(svc, h, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// The hub stops with ctx, which closes every open watch stream.
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
