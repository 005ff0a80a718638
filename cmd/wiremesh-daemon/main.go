// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/lib/config"
	"github.com/bureau-foundation/wiremesh/lib/process"
	"github.com/bureau-foundation/wiremesh/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("wiremesh-daemon", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the config file (default $"+config.EnvironmentVariable+")")
	logLevel := flags.String("log-level", "", "override log.level: debug, info, warn, error")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("wiremesh-daemon %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := start(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return daemon.run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// newLogger builds the daemon logger from the log section.
func newLogger(cfg config.LogConfig, output io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, options)
	default:
		handler = slog.NewJSONHandler(output, options)
	}
	return slog.New(handler), nil
}
