package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	synapta "github.com/Aqilrmm/Synapta"
	"github.com/Aqilrmm/Synapta/agents"
	"github.com/Aqilrmm/Synapta/pkg/observability"
)

var (
	// Version is set via ldflags.
	Version = "dev"

	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/synapta.yaml"), "Framework configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 8080), "Metrics and health HTTP port")
)

func main() {
	flag.Parse()

	slog.Info("starting synapta", "version", Version, "config", *configFile, "http_port", *httpPort)

	observability.InitMetrics()
	checker := observability.NewHealthChecker()
	checker.RegisterCheck(&observability.HealthCheck{
		Name:      "ping",
		CheckFunc: func(context.Context) error { return nil },
		Timeout:   time.Second,
	})

	obsServer := observability.NewServer(*httpPort, checker)
	go func() {
		if err := obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()

	// The daemon ships with the demo agents; embedding programs use
	// synapta.Run (or Framework directly) with their own agent set.
	err := synapta.Run(*configFile,
		agents.NewHeartbeat("heartbeat"),
		agents.NewEcho("echo"),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := obsServer.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("http server shutdown failed", "error", serr)
	}

	if err != nil {
		slog.Error("synapta exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("synapta stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
