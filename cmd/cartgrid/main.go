package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kiltia/cartgrid/config"
	"github.com/kiltia/cartgrid/internal/app"
	"github.com/kiltia/cartgrid/internal/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	// application will run using this context
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	flush, err := log.Init(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer flush()

	zap.S().Infow(
		"starting analysis",
		"product", cfg.Run.Product,
		"carts", cfg.Run.Count,
		"backend", cfg.Store.Backend,
	)
	if err := app.Run(ctx, cfg, os.Stdout); err != nil {
		zap.S().Errorw("analysis finished with errors", "error", err)
		return 1
	}
	return 0
}
