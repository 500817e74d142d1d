package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/meridianws/identity/internal/app"
	"github.com/meridianws/identity/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("identityd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Log.Level); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	runtime, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer runtime.Close()

	log := logger.WithModule("bootstrap")

	if runtime.Scheduler != nil {
		if err := runtime.Scheduler.Start(); err != nil {
			return fmt.Errorf("start sync scheduler: %w", err)
		}
		log.Info("directory sync scheduler started", zap.String("schedule", cfg.Sync.Schedule))
	}

	log.Info("identity daemon ready")

	<-ctx.Done()
	log.Info("shutting down")

	if runtime.Scheduler != nil {
		<-runtime.Scheduler.Stop().Done()
	}
	return nil
}

func loadApplicationConfig(configPath string) (*app.Config, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
