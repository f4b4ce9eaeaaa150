package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"walletsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler and its HTTP API until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.mgr.Start(ctx); err != nil {
		return err
	}
	defer rt.mgr.Stop()

	apiServer := server.NewServer(rt.mgr, server.Options{
		HTTPPort:      cfg.Service.HTTPPort,
		HMACSecret:    cfg.Service.HMACSecret,
		HMACClockSkew: cfg.Service.HMACClockSkew,
		RateLimit:     cfg.Service.RateLimit,
		RateBurst:     cfg.Service.RateBurst,
		Logger:        logger,
		Metrics:       rt.metrics,
		StorageHealth: rt.storageHealth,
		RPCHealth:     rt.rpcHealth,
	})
	if cfg.Service.HMACSecret == "" {
		logger.Warn("HMAC secret not set; control routes accept unsigned requests")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Service.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Service.ShutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
