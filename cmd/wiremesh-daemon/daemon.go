// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/wiremesh/control"
	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/command"
	"github.com/bureau-foundation/wiremesh/lib/config"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/version"
	"github.com/bureau-foundation/wiremesh/proxy"
	"github.com/bureau-foundation/wiremesh/session"
	"github.com/bureau-foundation/wiremesh/signaling"
	"github.com/bureau-foundation/wiremesh/signaling/backends"
	"github.com/bureau-foundation/wiremesh/signaling/inprocess"
	"github.com/bureau-foundation/wiremesh/tunnel"
)

// shutdownTimeout bounds session teardown at exit.
const shutdownTimeout = 15 * time.Second

// metricsEventBuffer is the backlog of events waiting to be counted.
const metricsEventBuffer = 1024

// daemon holds everything started for one interface. Fields are set in
// start order and released in reverse by close.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	startedAt time.Time

	device   tunnel.Device
	local    crypto.KeyPair
	mux      *ice.Mux
	backend  signaling.Backend
	channel  *signaling.Channel
	splicer  *proxy.Splicer
	registry *session.Registry

	signalingSubscription *signaling.Subscription
	events                *session.EventSubscription
	metrics               *metrics
}

// start opens the tunnel device, sockets and signaling backends and
// declares the configured peers. Sessions start negotiating before it
// returns.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, clock: clock.Real()}
	d.startedAt = d.clock.Now()
	if err := d.open(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) open(ctx context.Context) error {
	cfg := d.cfg
	configured, err := configuredKey(cfg)
	if err != nil {
		return err
	}

	d.device, err = tunnel.Open(ctx, tunnel.Options{
		Driver:     cfg.Tunnel.Driver,
		Name:       cfg.Interface,
		PrivateKey: configured,
		ListenPort: uint16(cfg.Tunnel.ListenPort),
		MTU:        cfg.Tunnel.MTU,
		WGPath:     cfg.Tunnel.WGPath,
		Runner:     command.Exec{},
	}, d.logger)
	if err != nil {
		return fmt.Errorf("opening tunnel %s: %w", cfg.Interface, err)
	}
	d.local, err = resolveKey(configured, d.device)
	if err != nil {
		return err
	}

	d.mux = ice.NewMux(d.clock, d.logger)
	for _, network := range cfg.ICE.Networks {
		if _, err := d.mux.Listen(network, uint16(cfg.ICE.Port)); err != nil {
			return err
		}
	}
	strategies := cfg.Proxy.Strategies
	if len(strategies) == 0 {
		strategies = proxy.DefaultStrategies
	}
	if slices.Contains(strategies, "raw") {
		d.adoptRawSocket()
	}

	gatherer, err := d.gatherer()
	if err != nil {
		return err
	}

	d.backend, err = backends.Open(ctx, cfg.Signaling.Backends, backends.Options{
		Hub:       inprocess.NewHub(),
		Reconnect: backoff.DefaultPolicy(),
		Clock:     d.clock,
		Logger:    d.logger,
	})
	if err != nil {
		return fmt.Errorf("opening signaling backends: %w", err)
	}
	d.channel = signaling.NewChannel(d.backend, d.local, cfg.Signaling.PublishTimeout, d.logger)

	built, err := proxy.BuildStrategies(strategies, proxy.Dependencies{
		Mux:     d.mux,
		Device:  d.device,
		Runner:  command.Exec{},
		NFTPath: cfg.Proxy.NFTPath,
		Logger:  d.logger,
	})
	if err != nil {
		return err
	}
	d.splicer = proxy.NewSplicer(d.device, built, d.logger)

	d.registry, err = session.NewRegistry(session.RegistryConfig{
		Local:    d.local,
		Signaler: d.channel,
		Gatherer: gatherer,
		Prober:   ice.NewSTUNProber(d.mux, d.clock),
		Binder:   d.splicer,
		Tunnel:   d.device,
		Clock:    d.clock,
		Events:   session.NewEventHub(),
		Logger:   d.logger,
		Session: session.Config{
			KeepaliveInterval:   cfg.Session.KeepaliveInterval,
			MaxMissedKeepalives: cfg.Session.MaxMissedKeepalives,
			CheckTimeout:        cfg.Session.CheckTimeout,
			FailedTimeout:       cfg.Session.FailedTimeout,
			CompletionGrace:     cfg.Session.CompletionGrace,
			MaxConcurrentChecks: cfg.Session.MaxConcurrentChecks,
			CredentialBackoff:   cfg.Session.CredentialBackoff,
			RestartBackoff:      cfg.Session.RestartBackoff,
		},
		AcceptUnknownPeers: cfg.Signaling.AcceptUnknownPeers,
	})
	if err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		d.metrics = newMetrics(metricsSources{
			Snapshots:      d.registry.Snapshots,
			SignalingStats: d.channel.Stats,
			EventsDropped:  d.registry.Events().Dropped,
		})
		d.events = d.registry.Events().Subscribe(metricsEventBuffer)
	}

	d.signalingSubscription, err = d.channel.Subscribe(d.registry.HandleMessage)
	if err != nil {
		return fmt.Errorf("subscribing to signaling: %w", err)
	}
	return d.addPeers(ctx)
}

// adoptRawSocket adds the raw interception socket to the mux so that
// candidates are gathered on the tunnel's own port. Without it the raw
// strategy reports itself unavailable.
func (d *daemon) adoptRawSocket() {
	port := d.device.ListenPort()
	if port == 0 {
		return
	}
	conn, err := proxy.ListenRaw(port, d.logger)
	if err != nil {
		d.logger.Warn("raw interception unavailable", "port", port, "error", err)
		return
	}
	if err := d.mux.Adopt(conn, "udp4"); err != nil {
		conn.Close()
		d.logger.Warn("raw interception unavailable", "port", port, "error", err)
	}
}

func (d *daemon) gatherer() (*ice.Gatherer, error) {
	cfg := d.cfg.ICE
	filter := ice.InterfaceFilter{
		Exclude:         []string{d.device.Name()},
		IncludeLoopback: cfg.IncludeLoopback,
	}
	if cfg.InterfaceFilter != "" {
		pattern, err := regexp.Compile(cfg.InterfaceFilter)
		if err != nil {
			return nil, fmt.Errorf("ice.interface_filter: %w", err)
		}
		filter.Pattern = pattern
	}
	servers := make([]ice.TURNServer, 0, len(cfg.TURN))
	for _, server := range cfg.TURN {
		servers = append(servers, ice.TURNServer{
			Address:  server.Address,
			Username: server.Username,
			Password: server.Password,
			Realm:    server.Realm,
		})
	}
	return ice.NewGatherer(d.mux, ice.GathererConfig{
		Networks:  cfg.Networks,
		Host:      cfg.Discovery.Host,
		Reflexive: cfg.Discovery.Reflexive,
		Relay:     cfg.Discovery.Relay,
		STUN:      cfg.STUN,
		TURN:      servers,
		Filter:    filter,
		Timeout:   cfg.DiscoveryTimeout,
	}, d.logger), nil
}

// addPeers declares the configured peers, then any other peer already
// present on the interface. Devices this process created start empty,
// so configured peers are installed on them first.
func (d *daemon) addPeers(ctx context.Context) error {
	declared := make(map[crypto.Key]bool, len(d.cfg.Peers))
	for _, peer := range d.cfg.Peers {
		declared[peer.PublicKey] = true
		if d.device.Userspace() {
			if err := d.device.AddPeer(ctx, peerSpec(peer)); err != nil {
				return fmt.Errorf("adding peer %s to %s: %w", peer.PublicKey.Short(), d.device.Name(), err)
			}
		}
		endpoint, _, err := peer.StaticEndpoint()
		if err != nil {
			return err
		}
		if err := d.registry.AddPeer(ctx, peer.PublicKey, session.PeerOptions{Endpoint: endpoint}); err != nil {
			if errors.Is(err, session.ErrSelf) {
				d.logger.Warn("ignoring configured peer with the local key", "peer", peer.PublicKey.Short())
				continue
			}
			return fmt.Errorf("declaring peer %s: %w", peer.PublicKey.Short(), err)
		}
	}

	existing, err := d.device.Peers(ctx)
	if err != nil {
		return fmt.Errorf("listing peers of %s: %w", d.device.Name(), err)
	}
	for _, peer := range existing {
		if declared[peer.PublicKey] || peer.PublicKey == d.local.Public {
			continue
		}
		if err := d.registry.AddPeer(ctx, peer.PublicKey, session.PeerOptions{}); err != nil {
			d.logger.Warn("not negotiating for interface peer", "peer", peer.PublicKey.Short(), "error", err)
		}
	}
	return nil
}

func peerSpec(peer config.PeerConfig) tunnel.PeerSpec {
	spec := tunnel.PeerSpec{
		PublicKey:           peer.PublicKey,
		PersistentKeepalive: time.Duration(peer.PersistentKeepalive) * time.Second,
	}
	for _, text := range peer.AllowedIPs {
		// Validated with the config.
		if prefix, err := netip.ParsePrefix(text); err == nil {
			spec.AllowedIPs = append(spec.AllowedIPs, prefix)
		}
	}
	return spec
}

// run serves the control socket and metrics until ctx ends or one of
// them fails, then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	server := control.NewServer(d.cfg.Control.Socket, d.logger)
	control.Register(server, d.registry, d.status)
	group.Go(func() error { return server.Serve(groupCtx) })

	if d.metrics != nil {
		httpServer := &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           d.metrics.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			d.logger.Info("metrics listening", "address", d.cfg.Metrics.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		group.Go(func() error { return d.metrics.consume(groupCtx, d.events.C) })
	}

	d.logger.Info("wiremesh daemon running",
		"interface", d.device.Name(),
		"public_key", d.local.Public.String(),
		"driver", d.cfg.Tunnel.Driver,
		"listen_port", d.device.ListenPort(),
		"strategies", d.splicer.Strategies(),
		"version", version.String(),
	)

	err := group.Wait()
	d.logger.Info("shutting down")
	d.close()
	return err
}

// status fills the daemon part of the control status.
func (d *daemon) status() control.Status {
	ports := make([]uint16, 0, 2)
	for _, socket := range d.mux.Sockets() {
		ports = append(ports, socket.Port)
	}
	urls := make([]string, 0, len(d.cfg.Signaling.Backends))
	for _, raw := range d.cfg.Signaling.Backends {
		urls = append(urls, redactURL(raw))
	}
	return control.Status{
		Interface:  d.device.Name(),
		PublicKey:  d.local.Public,
		Driver:     d.cfg.Tunnel.Driver,
		ListenPort: d.device.ListenPort(),
		ICEPorts:   ports,
		Strategies: d.splicer.Strategies(),
		Backends:   urls,
		Version:    version.String(),
		StartedAt:  d.startedAt,
	}
}

// close releases everything open, newest first. Sessions go before
// the splicer so that their bindings are released in order.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.registry != nil {
		if err := d.registry.Close(ctx); err != nil {
			d.logger.Error("closing sessions", "error", err)
		}
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.signalingSubscription != nil {
		d.channel.Unsubscribe(d.signalingSubscription)
	}
	if d.splicer != nil {
		if err := d.splicer.Close(); err != nil {
			d.logger.Error("releasing splicer bindings", "error", err)
		}
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.logger.Error("closing signaling backends", "error", err)
		}
	}
	if d.mux != nil {
		d.mux.Close()
	}
	if d.device != nil {
		if err := d.device.Close(); err != nil {
			d.logger.Error("closing tunnel", "error", err)
		}
	}
}

// secretParameters are query parameters hidden from status output.
var secretParameters = []string{"access_token", "token", "password"}

// redactURL hides credentials in a backend URL.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "(unparseable URL)"
	}
	query := parsed.Query()
	changed := false
	for _, name := range secretParameters {
		if query.Has(name) {
			query.Set(name, "redacted")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = query.Encode()
	}
	return parsed.Redacted()
}
