package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"depot/internal/core"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func Run(ctx context.Context) error {

	configPath := flag.String("config", os.Getenv("DEPOT_CONFIG"), "path to a YAML configuration file")
	listen := flag.String("listen", "", "HTTP listen address (overrides the config file)")
	dataDir := flag.String("data-dir", "", "directory to store object data (overrides the config file)")
	inMemory := flag.Bool("memory", false, "keep all data in memory")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error")
	browser := flag.Bool("browser", false, "serve the HTML object browser under /_depot/")

	flag.Parse()

	fileCfg, err := LoadFileConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		fileCfg.Listen = *listen
	}
	if *dataDir != "" {
		fileCfg.DataDir = *dataDir
	}
	if *inMemory {
		fileCfg.InMemory = true
	}
	if *logLevel != "" {
		fileCfg.LogLevel = *logLevel
	}
	if *browser {
		fileCfg.Browser = true
	}

	level, err := fileCfg.Level()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))

	if !fileCfg.InMemory {
		// Ensure data directory is absolute for easier debugging.
		absDataDir, err := filepath.Abs(fileCfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		if err := os.MkdirAll(absDataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		fileCfg.DataDir = absDataDir
	}

	opts, err := fileCfg.ServerOptions()
	if err != nil {
		return err
	}

	server, err := core.NewServer(ctx, core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create depot server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	// No read or write timeouts: object bodies are streamed and may be large.
	httpServer := &http.Server{
		Addr:              fileCfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              fileCfg.TLSListen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	shutdown := func(srv *http.Server) error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}

	eg.Go(func() error { return shutdown(httpServer) })
	eg.Go(func() error { return shutdown(httpsServer) })

	eg.Go(func() error {
		if fileCfg.TLSCertFile == "" || fileCfg.TLSKeyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting depot HTTPS server", "addr", fileCfg.TLSListen)
		err := httpsServer.ListenAndServeTLS(fileCfg.TLSCertFile, fileCfg.TLSKeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting depot HTTP server", "addr", fileCfg.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Depot started", "region", fileCfg.Region, "in_memory", fileCfg.InMemory, "data_dir", fileCfg.DataDir, "browser", fileCfg.Browser)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx)
	stop()

	if err != nil {
		slog.Error("Depot exited with error", "error", err)
		os.Exit(1)
	}
}
