package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/listing-diagnostics/internal/app"
	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/ingest"
	"github.com/joseph-ayodele/listing-diagnostics/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{Workers: true, Migrate: true})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to release resources", "error", err)
		}
	}()

	// gRPC server
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(logger)))
	server.RegisterSubmissionServiceServer(grpcServer, server.NewSubmissionServer(a.Service, logger))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(server.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	// Metrics, liveness and, for the filesystem store, the rendered reports.
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := server.PingDB(r.Context(), a.DB, logger, time.Second); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Report.Store == "fs" {
		mux.Handle("/reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(cfg.Report.Dir))))
	}
	httpServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := a.Sweeper.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	inboxDone := make(chan struct{})
	go func() {
		defer close(inboxDone)
		if cfg.Ingest.Dir == "" {
			return
		}
		err := a.Ingestor.RunInbox(ctx, ingest.WatchConfig{
			Roots:       []string{cfg.Ingest.Dir},
			InitialScan: true,
			Debounce:    cfg.Ingest.Debounce,
		})
		if err != nil {
			logger.Error("ingest inbox stopped", "dir", cfg.Ingest.Dir, "error", err)
		}
	}()

	logger.Info("listing-diagnostics listening", "grpc_addr", cfg.Server.GRPCAddr, "http_addr", cfg.Server.MetricsAddr)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Sweeper.Stop()
	<-inboxDone
	grpcServer.GracefulStop()
	a.Queue.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
