package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"whalestream/internal/api"
	"whalestream/internal/config"
	"whalestream/internal/util"
)

func main() {
	_ = godotenv.Load() // .env is optional

	cfgPath := config.DefaultPath
	if p := os.Getenv("WHALES_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, api.NewService(cfg, logger), logger, shutdownTimeout)
	cancel()
	os.Exit(code)
}

const shutdownTimeout = 10 * time.Second

type service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// run starts svc, waits for ctx, and shuts down. Only a failed start is a
// non-zero exit; shutdown errors are logged.
func run(ctx context.Context, svc service, logger *slog.Logger, timeout time.Duration) int {
	if err := svc.Start(ctx); err != nil {
		logger.Error("starting whale service", "error", err)
		return 1
	}

	<-ctx.Done()
	logger.Info("shutting down whale service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return 0
}
