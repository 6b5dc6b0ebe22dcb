package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/batchd/internal/app"
	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/payloads"
)

func main() {
	configPath := flag.String("config", os.Getenv("BATCHD_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Printf("Failed to init app: %v\n", err)
		os.Exit(1)
	}

	// Payloads are compiled into the node binary; alternative binaries swap
	// this call for their own registration set.
	if err := payloads.RegisterAll(a.Registry()); err != nil {
		a.Log().Fatal("Payload registration failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		a.Log().Error("Node exited with error", "error", err)
		os.Exit(1)
	}
}
