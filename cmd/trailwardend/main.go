// Command trailwardend runs the recording coordinator daemon for a
// multi-camera wildlife monitoring appliance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trailwarden/trailwarden/internal/classify"
	"github.com/trailwarden/trailwarden/internal/config"
	"github.com/trailwarden/trailwarden/internal/coordinator"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/trailwarden/config.yaml", "path to the configuration file")
		logLevel   = flag.String("log-level", "", "override the configured log level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trailwardend: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trailwardend: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cls classify.Classifier = classify.Unconfigured{}
	if cfg.Classifier.Endpoint != "" {
		cls = classify.NewHTTPClassifier(cfg.Classifier.Endpoint)
	}

	coord, err := coordinator.New(cfg, cls, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("trailwardend starting",
		zap.String("config", *configPath),
		zap.Int("cameras", len(cfg.Cameras)),
		zap.Int("sensors", len(cfg.Sensors)))

	if err := coord.Run(ctx); err != nil {
		logger.Fatal("coordinator failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
