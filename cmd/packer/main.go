// Command packer is the terminal packing station. It claims an order, takes
// scanner input line by line and ships the order once every item is done.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/api"
	"github.com/DoyleJ11/packstation/internal/config"
	"github.com/DoyleJ11/packstation/internal/logging"
	"github.com/DoyleJ11/packstation/internal/session"
	"github.com/DoyleJ11/packstation/internal/shipping"
	"github.com/DoyleJ11/packstation/internal/viewmode"
)

var (
	apiURL   string
	logLevel string
	viewMode string
)

var rootCmd = &cobra.Command{
	Use:           "packer",
	Short:         "Warehouse packing station",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "record service URL (default $PACKSTATION_API_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $PACKSTATION_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&viewMode, "view-mode", "", "view-only updates: poll or push (default $PACKSTATION_VIEW_MODE)")
	rootCmd.AddCommand(packCmd, watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// deps is everything a command needs, built from config and flags.
type deps struct {
	cfg       config.Config
	log       *zap.Logger
	client    *api.Client
	finalizer *shipping.Finalizer
	watcher   session.Watcher
}

func loadDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if viewMode != "" {
		cfg.ViewMode = viewMode
	}

	// The terminal belongs to the operator; logs stay terse on stderr.
	log, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, err
	}

	catalog := shipping.DefaultCatalog()
	if cfg.CarriersFile != "" {
		catalog, err = shipping.LoadCatalog(cfg.CarriersFile)
		if err != nil {
			return nil, err
		}
	}

	client := api.New(cfg.APIURL, &http.Client{}, log)

	var watcher session.Watcher
	switch cfg.ViewMode {
	case config.ViewModePush:
		watcher = &viewmode.Stream{BaseURL: cfg.APIURL, RetryDelay: cfg.PollInterval, Logger: log}
	case config.ViewModePoll:
		watcher = &viewmode.Poller{Fetcher: client, Interval: cfg.PollInterval, Logger: log}
	default:
		return nil, fmt.Errorf("unknown view mode %q", cfg.ViewMode)
	}

	return &deps{
		cfg:       cfg,
		log:       log,
		client:    client,
		finalizer: shipping.NewFinalizer(client, catalog, log),
		watcher:   watcher,
	}, nil
}
