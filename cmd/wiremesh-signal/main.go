// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/wiremesh/lib/process"
	"github.com/bureau-foundation/wiremesh/lib/version"
	"github.com/bureau-foundation/wiremesh/signaling/wsrelay"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	listen     string
	path       string
	tlsCert    string
	tlsKey     string
	frameRate  float64
	frameBurst int
	sendQueue  int
	logLevel   string
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("wiremesh-signal", pflag.ContinueOnError)
	flags.StringVar(&opts.listen, "listen", ":8080", "address to listen on")
	flags.StringVar(&opts.path, "path", "/signal", "URL path clients connect to")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate file; serves plain HTTP when empty")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "TLS private key file")
	flags.Float64Var(&opts.frameRate, "frame-rate", 50, "frames per second accepted from one connection")
	flags.IntVar(&opts.frameBurst, "frame-burst", 100, "burst of frames accepted from one connection")
	flags.IntVar(&opts.sendQueue, "send-queue", 64, "frames queued per connection before dropping")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn, error")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("wiremesh-signal %s\n", version.Full())
		return nil
	}
	if (opts.tlsCert == "") != (opts.tlsKey == "") {
		return errors.New("--tls-cert and --tls-key must be given together")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(opts.logLevel))); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := wsrelay.NewServer(wsrelay.ServerOptions{
		FrameRate:  rate.Limit(opts.frameRate),
		FrameBurst: opts.frameBurst,
		SendQueue:  opts.sendQueue,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              opts.listen,
		Handler:           newHandler(relay, opts.path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("signaling relay listening",
			"address", opts.listen,
			"path", opts.path,
			"tls", opts.tlsCert != "",
			"version", version.String(),
		)
		if opts.tlsCert != "" {
			serveErr <- server.ListenAndServeTLS(opts.tlsCert, opts.tlsKey)
		} else {
			serveErr <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	// Shutdown does not wait for hijacked connections, so the relay
	// drops its WebSocket clients itself.
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// relayState is the part of *wsrelay.Server the health endpoint reads.
type relayState interface {
	http.Handler
	Connections() int
}

// newHandler routes path to the relay and /healthz to a liveness
// report.
func newHandler(relay relayState, path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok %d\n", relay.Connections())
	})
	return mux
}
