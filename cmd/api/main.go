package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"InvoiceChainSync/internal/app"
	"InvoiceChainSync/internal/config"
	internalhttp "InvoiceChainSync/internal/http"
	"InvoiceChainSync/internal/logging"
)

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
	rt.Start(ctx)

	deps := internalhttp.Deps{
		Invoices: rt.Invoices,
		Ledger:   rt.Chain,
		Roles:    rt.Chain,
		Syncs:    rt.Session,
		Decimals: cfg.Chain.Decimals,
		Logger:   logger.Named("http"),
	}
	// a nil *ActionService must not end up inside the interface
	if rt.Actions != nil {
		deps.Actions = rt.Actions
	}
	srv := internalhttp.NewServer(internalhttp.NewHandler(deps))

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
