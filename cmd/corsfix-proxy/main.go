package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/corsfix/proxy/internal/config"
	"github.com/corsfix/proxy/internal/gateway"
	"github.com/corsfix/proxy/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/corsfix.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Corsfix proxy %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(loggingOptions(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Corsfix proxy",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("mode", cfg.Plans.Mode),
		zap.String("bus", cfg.Bus.Driver),
		zap.Bool("redis", cfg.Redis.Address != ""),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create proxy", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func loggingOptions(c config.LoggingConfig) logging.Options {
	return logging.Options{
		Level:    c.Level,
		Encoding: c.Encoding,
		Output:   c.Output,
		Rotation: logging.Rotation{
			MaxSize:    c.Rotation.MaxSize,
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAge,
			Compress:   c.Rotation.Compress,
			LocalTime:  c.Rotation.LocalTime,
		},
	}
}
