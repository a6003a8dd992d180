// Command node runs one roomloop cluster member: the WebSocket client surface
// on the client port and the peer RPC surface on the RPC port, backed by the
// per-room replication groups in the registry.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roomloop/roomloop/internal/v1/cluster"
	"github.com/roomloop/roomloop/internal/v1/config"
	"github.com/roomloop/roomloop/internal/v1/gateway"
	"github.com/roomloop/roomloop/internal/v1/health"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/middleware"
	"github.com/roomloop/roomloop/internal/v1/registry"
	"github.com/roomloop/roomloop/internal/v1/tracing"
	"github.com/roomloop/roomloop/internal/v1/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env from the likely working directories. Real deployments set the
	// environment directly and none of these files exist.
	envPaths := []string{".env", "../../.env", "../../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintf(os.Stderr, "node: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetNodeID(string(cfg.NodeID))

	ctx := context.Background()
	logging.Info(ctx, "starting node",
		zap.String("node_id", string(cfg.NodeID)),
		zap.Int("cluster_size", len(cfg.Nodes)),
		zap.String("client_addr", cfg.Self().ClientAddr()),
		zap.String("rpc_addr", cfg.Self().RPCAddr()))

	tracingEnabled := cfg.OTELCollectorAddr != ""
	if tracingEnabled {
		tp, err := tracing.InitTracer(ctx, "roomloop", string(cfg.NodeID), cfg.OTELCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logging.Error(ctx, "tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	// Peer RPC addresses, keyed by node id.
	peerAddrs := make(map[types.NodeID]string, len(cfg.Nodes)-1)
	for _, peer := range cfg.Peers() {
		peerAddrs[peer.ID] = peer.RPCAddr()
	}

	client := cluster.NewClient(cfg.NodeID, peerAddrs, cfg.RPCTimeout)
	reg := registry.New(cfg, client)
	gw := gateway.New(cfg.NodeID, reg, cfg.MaxFrameBytes, cfg.AllowedOrigins)
	reg.SetHooks(gw.OnApply, gw.OnLeaderChange)
	healthHandler := health.NewHandler(cfg.NodeID, cfg.PeerIDs(), client, reg)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// Client port: WebSocket gateway, probes, and metrics.
	clientRouter := gin.New()
	clientRouter.Use(gin.Recovery())
	clientRouter.Use(middleware.Correlation(cfg.NodeID))
	if tracingEnabled {
		clientRouter.Use(otelgin.Middleware("roomloop"))
	}
	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	clientRouter.Use(cors.New(corsConfig))

	gw.RegisterRoutes(clientRouter)
	healthHandler.Register(clientRouter)
	clientRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// RPC port: peer-to-peer traffic only. Never exposed to clients.
	rpcRouter := gin.New()
	rpcRouter.Use(gin.Recovery())
	rpcRouter.Use(middleware.Correlation(cfg.NodeID))
	cluster.NewServer(cfg.NodeID, reg, cfg.MaxFrameBytes).Register(rpcRouter)

	clientSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Self().ClientPort),
		Handler: clientRouter,
	}
	rpcSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Self().RPCPort),
		Handler: rpcRouter,
	}

	go func() {
		logging.Info(ctx, "client server listening", zap.String("addr", clientSrv.Addr))
		if err := clientSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "client server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()
	go func() {
		logging.Info(ctx, "rpc server listening", zap.String("addr", rpcSrv.Addr))
		if err := rpcSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "rpc server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down node")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new work before tearing down the replication groups:
	// sessions first, then room groups, then the listeners.
	gw.Close()
	reg.Close()

	if err := clientSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "client server shutdown failed", zap.Error(err))
	}
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "rpc server shutdown failed", zap.Error(err))
	}

	logging.Info(ctx, "node exited")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
