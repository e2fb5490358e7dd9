package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"passgate.org/internal/backend"
	"passgate.org/internal/config"
	"passgate.org/internal/httpapi"
	"passgate.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	shutdownTimeout   = 10 * time.Second
	readinessInterval = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:           "passgate-api",
		Short:         "Serve the OAuth2 password grant token endpoint",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.AddFlags(cmd.Flags())
	cobra.CheckErr(config.BindFlags(v, cmd.Flags()))
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	be, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Warn("close backend", zap.Error(err))
		}
	}()

	svc, err := be.Service(cfg)
	if err != nil {
		return err
	}

	ready := httpapi.Readiness{
		Checks: []httpapi.Check{
			{Name: "store", Pinger: be.StorePinger},
			{Name: "cache", Pinger: be.CachePinger},
		},
	}
	opts := httpapi.Options{
		Version:       version,
		RateBurst:     cfg.RateLimitBurst,
		RatePerSecond: cfg.RateLimitPerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	}
	if cfg.ManagementActive() {
		opts.AdminKey = cfg.AdminKey
	} else if cfg.ManagementEnabled {
		logger.Warn("management API disabled: no admin key configured")
	}
	api := httpapi.New(svc, ready, opts)

	srv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var lis net.Listener
	if cfg.GRPCListen != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCListen); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if lis != nil {
		grpcServer, hs := httpapi.NewGRPC(svc, version)
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			httpapi.WatchReadiness(gctx, hs, ready, readinessInterval)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
