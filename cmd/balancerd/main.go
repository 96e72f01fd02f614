// SPDX-License-Identifier: MIT

// Package main implements balancerd, the TCP load balancer daemon.
//
// balancerd forwards TCP connections for a set of named services, each with
// its own listen port, selection mode (failover or round-robin) and backend
// list. Backends are health-checked continuously; routing reacts to UP/DOWN
// transitions. Operators manage the service set at runtime through the
// control HTTP API and watch live routing events over /ws.
//
// Usage:
//
//	balancerd [options]
//
// Options:
//
//	--config=PATH      Path to settings file (default: config.yaml)
//	--log-level=LEVEL  Log level: debug, info, warn, error
//	--help             Show this help message
//
// Settings may also come from BALANCER_* environment variables, e.g.
// BALANCER_API_ADDR=:9000. The balanced service set itself lives in
// data/servers.json and is managed through the API, not the settings file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/valenti1234/socat-balancer-2/internal/api"
	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/engine"
	"github.com/valenti1234/socat-balancer-2/internal/events"
	"github.com/valenti1234/socat-balancer-2/internal/forward"
	"github.com/valenti1234/socat-balancer-2/internal/lock"
	"github.com/valenti1234/socat-balancer-2/internal/probe"
	"github.com/valenti1234/socat-balancer-2/internal/stats"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to settings file")
	logLevel   = flag.String("log-level", "", "Override log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "balancerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader, err := config.NewLoader(config.WithYAMLFile(*configPath))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	settings, err := loader.Load()
	if err != nil {
		return err
	}

	log := newLogger(settings.Log)
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("built", BuildTime).
		Msg("balancerd starting")

	// One daemon per data directory.
	fl, err := lock.New(filepath.Join(settings.Data.Dir, "balancerd.lock"))
	if err != nil {
		return err
	}
	if err := fl.Acquire(); err != nil {
		return fmt.Errorf("data directory in use: %w", err)
	}
	defer func() { _ = fl.Release() }()

	store, err := config.NewStore(settings.StateFilePath(), log)
	if err != nil {
		return err
	}

	registry := stats.NewRegistry()
	bus := events.NewBus(log)
	hub := events.NewHub(bus, log)

	prober := probe.New(store,
		settings.Balancer.CheckInterval,
		settings.Balancer.ProbeTimeout,
		settings.Balancer.ProbeConcurrency,
		log)

	eng := engine.New(store, prober, forward.Config{
		DialTimeout:      settings.Balancer.DialTimeout,
		RotationInterval: settings.Balancer.RotationInterval,
		Stats:            registry,
		Bus:              bus,
		Logger:           log,
	}, log)

	handler := api.NewHandler(store, eng, prober, registry, bus, hub, log)
	server := &http.Server{
		Addr:              settings.API.Addr,
		Handler:           handler.Router(settings.API.StaticDir),
		ReadHeaderTimeout: 5 * time.Second,
	}

	root := suture.New("balancerd", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Str("component", "supervisor").Msg(ev.String())
		},
	})
	root.Add(prober)
	root.Add(eng)
	root.Add(hub)
	root.Add(&httpService{server: server, log: log})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("addr", settings.API.Addr).Msg("control plane listening")
	err = root.Serve(ctx)
	log.Info().Msg("shutdown complete")
	return err
}

// httpService wraps the control plane HTTP server as a suture service.
type httpService struct {
	server *http.Server
	log    zerolog.Logger
}

func (s *httpService) String() string {
	return "http-server"
}

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// newLogger builds the root zerolog logger from settings, honoring the
// --log-level override.
func newLogger(cfg config.LogSettings) zerolog.Logger {
	level := cfg.Level
	if *logLevel != "" {
		level = *logLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

func printUsage() {
	fmt.Println("balancerd - TCP load balancer with a live control plane")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: balancerd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon probes every backend each check interval, routes each")
	fmt.Println("service's listener to a healthy backend and exposes the control")
	fmt.Println("API, /ws event stream and /metrics on the configured address.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
