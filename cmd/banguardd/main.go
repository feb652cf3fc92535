// Command banguardd serves a WebSocket endpoint behind the ban extension's
// admission gate and exposes the ban list, health and metrics over HTTP.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	banext "github.com/hawthorne-abendsen/centaurus-ban-extension"
)

var logger = banext.DefaultLogger()

func fatal(msg string, err error, attrs ...any) {
	attrPairs := append(attrs, "error", err)
	logger.Error(msg, attrPairs...)
	banext.StopLogging()
	os.Exit(1)
}

func main() {
	configFlag := flag.String("config", "banguard.toml", "path to config file (.toml, .yaml or .yml)")
	listenFlag := flag.String("listen", "", "override listen address (e.g. :8088)")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	writeExampleFlag := flag.String("write-example-config", "", "write an example config to this path and exit")
	simdFlag := flag.Bool("sha256-simd", true, "use sha256-simd for log fingerprints (false uses crypto/sha256)")
	flag.Parse()

	if *writeExampleFlag != "" {
		if err := banext.WriteExampleConfig(*writeExampleFlag); err != nil {
			fmt.Fprintf(os.Stderr, "write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("example config written to %s\n", *writeExampleFlag)
		return
	}

	banCfg, err := banext.LoadConfig(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	srvCfg, err := loadServerConfig(*configFlag)
	if err != nil {
		fatal("server config", err)
	}
	if *listenFlag != "" {
		srvCfg.Listen = *listenFlag
	}

	banext.ConfigureLogging(srvCfg.LogPath, srvCfg.ErrorLogPath, *stdoutLogFlag)
	level, err := banext.ParseLogLevel(srvCfg.LogLevel)
	if err != nil {
		fatal("log level", err)
	}
	if *debugFlag {
		level = banext.LogLevelDebug
	}
	banext.SetLogLevel(level)
	banext.UseSIMDHashing(*simdFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := banext.NewMetrics(reg)

	store, err := banext.OpenStore(banCfg)
	if err != nil {
		fatal("open ban store", err, "backend", banCfg.Store.Backend)
	}
	registry := banext.NewBanRegistry(store, banCfg.BanPolicy(), metrics)

	// Bans must be in memory before the first connection is accepted. A
	// store outage admits everyone rather than blocking startup.
	loadCtx, cancelLoad := context.WithTimeout(ctx, 30*time.Second)
	records, err := registry.LoadAll(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Warn("starting without persisted bans", "component", "main", "kind", "load", "error", err)
	}
	logger.Info("ban registry ready", "component", "main", "kind", "load", "records", len(records), "backend", banCfg.Store.Backend)
	registry.Start(ctx, banCfg.FlushInterval)

	gate, err := banext.NewAdmissionGate(registry, banCfg, banext.GateOptions{Metrics: metrics})
	if err != nil {
		fatal("admission gate", err)
	}
	if len(srvCfg.JWTSecret) == 0 {
		logger.Warn("server.jwt_secret is empty; hello tokens will be rejected", "component", "main", "kind", "config")
	}

	srv := newServer(gate, reg, srvCfg)
	httpServer := &http.Server{
		Addr:              srvCfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested; closing listener", "component", "http", "kind", "shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http shutdown error", "component", "http", "kind", "shutdown", "error", err)
		}
	}()

	logger.Info("listening", "component", "http", "kind", "listen", "addr", srvCfg.Listen, "max_conns", srvCfg.MaxConns)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("listen error", err, "addr", srvCfg.Listen)
	}

	// Hijacked WebSocket connections outlive Shutdown; give them a bounded
	// window to finish.
	shutdownStart := time.Now()
	if !srv.drain(defaultDrainTimeout) {
		logger.Warn("timed out waiting for connections to drain", "component", "ws", "kind", "shutdown", "waited", time.Since(shutdownStart))
	}

	if err := registry.Close(); err != nil {
		logger.Error("final ban flush", "component", "registry", "kind", "flush", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("close ban store", "component", "store", "kind", "close", "error", err)
	}
	logger.Info("shutdown complete", "component", "main", "kind", "shutdown")
	banext.StopLogging()
}
