package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/hybridkv/api/admin"
	"github.com/sushant-115/hybridkv/config"
	"github.com/sushant-115/hybridkv/core/shard"
	"github.com/sushant-115/hybridkv/pkg/logger"
	"github.com/sushant-115/hybridkv/pkg/telemetry"
)

var (
	configPath string
	dataDir    string
	httpAddr   string
	grpcAddr   string
	logLevel   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&dataDir, "data_dir", "", "Overrides data_dir from the configuration")
	flag.StringVar(&httpAddr, "http_addr", "", "Overrides admin.http_addr from the configuration")
	flag.StringVar(&grpcAddr, "grpc_addr", "", "Overrides admin.grpc_addr from the configuration")
	flag.StringVar(&logLevel, "log_level", "", "Overrides logger.level from the configuration")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(&cfg)

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("Server exited with error", zap.Error(err))
	}
}

func applyFlags(cfg *config.Config) {
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.Admin.HTTPAddr = httpAddr
	}
	if grpcAddr != "" {
		cfg.Admin.GRPCAddr = grpcAddr
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	shards, err := openShards(cfg, tel, zlogger)
	if err != nil {
		return err
	}
	defer closeShards(shards, zlogger)

	adminServer := admin.New(shards, tel.MetricsHandler, zlogger)
	errCh := make(chan error, 2)

	var httpServer *http.Server
	if cfg.Admin.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Admin.HTTPAddr,
			Handler:           adminServer.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zlogger.Info("Admin HTTP server listening", zap.String("addr", cfg.Admin.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin HTTP server: %w", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.Admin.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		adminServer.RegisterGRPC(grpcServer)
		go func() {
			zlogger.Info("gRPC health server listening", zap.String("addr", cfg.Admin.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-signals:
		zlogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
	}

	adminServer.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			zlogger.Error("Admin HTTP server shutdown failed", zap.Error(err))
		}
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}
	return runErr
}

func openShards(cfg config.Config, tel *telemetry.Telemetry, zlogger *zap.Logger) ([]*shard.Shard, error) {
	shards := make([]*shard.Shard, 0, len(cfg.Shards))
	for _, tag := range cfg.Shards {
		dir := cfg.ShardDir(tag)
		s, err := shard.Open(tag, dir, cfg.Shard, shard.Options{
			Storage: cfg.Storage,
			Logger:  zlogger,
			Meter:   tel.Meter,
			Tracer:  tel.Tracer,
		})
		if err != nil {
			closeShards(shards, zlogger)
			return nil, fmt.Errorf("failed to open shard %s: %w", tag, err)
		}
		zlogger.Info("Shard opened", zap.String("shard", tag), zap.String("dir", dir))
		shards = append(shards, s)
	}
	return shards, nil
}

func closeShards(shards []*shard.Shard, zlogger *zap.Logger) {
	for _, s := range shards {
		if err := s.Close(); err != nil {
			zlogger.Error("Failed to close shard", zap.String("shard", s.Tag()), zap.Error(err))
		}
	}
}
