package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wan-ghuan/camerax/internal/config"
	"github.com/wan-ghuan/camerax/internal/pipeline"
)

const defaultConfigPath = "config/camerax.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	source := flag.String("source", "", "Override camera source (synthetic, v4l2, rtsp, test)")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting camerax",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *source != "" {
		cfg.Camera.Source = *source
		if err := config.Validate(cfg); err != nil {
			slog.Error("invalid source override", "source", *source, "error", err)
			os.Exit(1)
		}
	}

	provider, gate, err := buildProvider(cfg.Camera)
	if err != nil {
		slog.Error("failed to create camera provider", "source", cfg.Camera.Source, "error", err)
		os.Exit(1)
	}

	p, err := pipeline.New(cfg, pipeline.Options{Provider: provider, Gate: gate})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	captureChan := make(chan os.Signal, 1)
	signal.Notify(captureChan, syscall.SIGUSR1)

	errChan := make(chan error, 1)
	go func() {
		errChan <- p.Run(ctx)
	}()

	var runErr error
loop:
	for {
		select {
		case <-captureChan:
			if req, ok := p.TakePhoto(ctx); ok {
				slog.Info("capture requested by signal", "request_id", req.ID)
			}
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			runErr = <-errChan
			break loop
		case runErr = <-errChan:
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	if runErr != nil {
		slog.Error("camerax stopped with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("camerax stopped successfully")
}
