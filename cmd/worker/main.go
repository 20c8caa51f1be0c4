package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"InvoiceChainSync/internal/app"
	"InvoiceChainSync/internal/config"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/worker"
)

// The worker runs the synchronizers without the HTTP surface. SIGHUP is
// treated as a network change and restarts every account from a fresh
// bootstrap.
func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer rt.Close()

	if len(rt.Session.Accounts()) == 0 {
		logger.Fatal("no accounts to watch, set wallet.accounts or wallet.private_key")
	}
	rt.Start(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			rt.Session.Handle(worker.SignalNetworkChanged)
			continue
		}
		logger.Info("shutting down", zap.Stringer("signal", sig))
		return
	}
}
