// Command agentbroker runs the coordination broker: it assembles the
// ambient components (config, logger, metrics) and the broker runtime,
// starts the control-socket transport, and serves a health/metrics HTTP
// endpoint alongside it, generalizing the teacher's cmd/odin-ws/main.go
// wiring shape from a WebSocket hub to the agent broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/adred-codev/agentbroker/internal/broker"
	"github.com/adred-codev/agentbroker/internal/config"
	"github.com/adred-codev/agentbroker/internal/logging"
	"github.com/adred-codev/agentbroker/internal/metrics"
	"github.com/adred-codev/agentbroker/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	undoMaxProcs, err := maxprocs.Set()
	defer undoMaxProcs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "maxprocs: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync() // nolint:errcheck

	if conflict := checkPIDConflict(cfg.Server.PidFile); conflict {
		logger.Error("broker already running", zap.String("pid_file", cfg.Server.PidFile))
		return 1
	}
	if err := writePIDFile(cfg.Server.PidFile); err != nil {
		logger.Error("failed to write pid file", zap.Error(err))
		return 1
	}
	defer os.Remove(cfg.Server.PidFile)

	metricsRegistry := metrics.NewRegistry()
	brk := broker.New(cfg, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk.Start(ctx)

	server := transport.NewServer(cfg, logger, brk, metricsRegistry)
	if err := server.Start(ctx); err != nil {
		logger.Error("transport start failed", zap.Error(err))
		return 1
	}

	var httpServer *http.Server
	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		httpServer = buildHTTPServer(cfg.Metrics.ListenAddr, brk, metricsRegistry)
		go func() {
			logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErrCh <- err
				return
			}
			httpErrCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-server.ShutdownRequested():
		logger.Info("shutdown requested over control socket")
		stop()
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	brk.Stop()
	server.Stop()
	logger.Info("broker stopped")
	return 0
}

func buildHTTPServer(addr string, brk *broker.Broker, reg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := brk.GetStatus()
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"agents":    status.AgentCount,
		})
	})
	mux.Handle("/metrics", reg.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// checkPIDConflict reports whether path names a pid file for a process
// that is still alive, per spec.md §6's "PID conflict" startup error.
func checkPIDConflict(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
