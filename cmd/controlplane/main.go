package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsegate/controlplane/internal/app"
	"github.com/pulsegate/controlplane/internal/config"
)

const (
	exitOK          = 0
	exitConfigError = 64
	exitUnavailable = 69
	exitInternal    = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "run mode: api, worker, or seed-demo (overrides PULSEGATE_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return exitConfigError
	}

	if *mode != "" {
		cfg.Mode = *mode
	}
	if cfg.Mode != "api" && cfg.Mode != "worker" && cfg.Mode != "seed-demo" {
		fmt.Fprintf(os.Stderr, "error: unknown mode %q\n", cfg.Mode)
		return exitConfigError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		if errors.Is(err, context.Canceled) {
			return exitOK
		}
		if isUnavailableErr(err) {
			return exitUnavailable
		}
		return exitInternal
	}
	return exitOK
}

// isUnavailableErr reports whether err originated from connecting to a
// downstream dependency at startup (database, redis, migrations), which
// gets its own exit code per the ambient stack's exit-code convention.
func isUnavailableErr(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"connecting to database", "connecting to redis", "running migrations"} {
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
