// Command meshd runs one clustermesh node: the coordination-core engine,
// its operator HTTP admin surface, and a gRPC health service reflecting
// cluster state to external load balancers. Process wiring is grounded on
// the teacher's cmd/cluster-node/main.go (env-driven config, graceful
// shutdown on SIGTERM/SIGINT) generalized from a fixed HTTP data server to
// the engine/admin-server/health-reflector trio spec §7 describes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"clustermesh/internal/clustermesh"
	"clustermesh/internal/config"
	"clustermesh/internal/logging"
	"clustermesh/internal/server"
	"clustermesh/internal/storage"
)

func main() {
	logging.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		logging.Error("config: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.Error("creating data dir %s: %v", cfg.DataDir, err)
		os.Exit(1)
	}

	store := storage.NewMemoryStore(0)
	defer store.Close()

	engine := clustermesh.New(cfg, store)

	snapshotPath := filepath.Join(cfg.DataDir, fmt.Sprintf("nodes-%s.conf", cfg.NodeID))
	if _, statErr := os.Stat(snapshotPath); statErr == nil {
		if err := engine.LoadSnapshot(snapshotPath); err != nil {
			logging.Error("loading snapshot %s: %v", snapshotPath, err)
			os.Exit(1)
		}
		logging.Info("restored cluster state from %s", snapshotPath)
	}

	if err := engine.Listen(); err != nil {
		logging.Error("binding cluster bus on %s:%d: %v", cfg.Address, cfg.Port+10000, err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)
	engine.SetMetrics(metrics)

	var opts []server.Option
	if cfg.ClusterSecret != "" {
		opts = append(opts, server.WithClusterSecret(cfg.ClusterSecret))
	}
	adminServer := server.New(engine, reg, opts...)
	defer adminServer.Close()

	health := server.NewHealthReflector(func() bool {
		return engine.Info()["cluster_state"] == "ok"
	}, cfg.NodeTimeout/3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go health.Run(ctx)

	httpAddr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{Addr: httpAddr, Handler: adminServer.Router()}
	go func() {
		logging.Info("admin API listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("admin HTTP server: %v", err)
		}
	}()

	grpcAddr := fmt.Sprintf(":%d", cfg.Port+1)
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logging.Error("binding gRPC health service on %s: %v", grpcAddr, err)
		os.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go func() {
		logging.Info("health service listening on %s", grpcAddr)
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logging.Error("grpc health server: %v", err)
		}
	}()

	logging.Info("clustermesh node %s up: bus=%s:%d admin=%s health=%s", cfg.NodeID, cfg.Address, cfg.Port+10000, httpAddr, grpcAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logging.Info("received shutdown signal, saving cluster state")

	cancel()
	grpcSrv.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := engine.SaveConfig(); err != nil {
		logging.Error("saving cluster state: %v", err)
	}
	if err := engine.Close(); err != nil {
		logging.Error("closing engine: %v", err)
	}
}
