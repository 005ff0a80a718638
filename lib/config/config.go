// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the wiremesh daemon configuration.
//
// Configuration comes from exactly one YAML file, named by the
// --config flag or the WIREMESH_CONFIG environment variable. There is
// no search path and no merging of several files: what the file says
// is what the daemon runs with, plus the documented defaults.
//
// String fields that name files, sockets, or signaling URLs may
// reference environment variables as ${NAME} or ${NAME:-default}, so
// that secrets such as a Matrix access token can stay out of the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "WIREMESH_CONFIG"

// Config is the daemon configuration.
type Config struct {
	// Interface is the WireGuard interface the daemon manages.
	Interface string `yaml:"interface"`

	// PrivateKey is the base64 WireGuard private key. Prefer
	// PrivateKeyFile; when both are empty and the tunnel driver can
	// report its own key (kernel), the interface key is used.
	PrivateKey string `yaml:"private_key"`

	// PrivateKeyFile holds the private key, plain or age-sealed.
	PrivateKeyFile string `yaml:"private_key_file"`

	// IdentityFile is the age identity used to open a sealed
	// PrivateKeyFile.
	IdentityFile string `yaml:"identity_file"`

	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	Session   SessionConfig   `yaml:"session"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Peers     []PeerConfig    `yaml:"peers"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// TunnelConfig selects the tunnel driver.
type TunnelConfig struct {
	// Driver is one of "kernel" (wgctrl), "command" (wg(8)),
	// "userspace" (in-process wireguard-go), or "memory" (no data
	// plane; signaling and negotiation only).
	Driver string `yaml:"driver"`

	// ListenPort is the WireGuard listen port for drivers that create
	// the device. Kernel and command drivers read it from the device.
	ListenPort int `yaml:"listen_port"`

	// MTU of the TUN device created by the userspace driver.
	MTU int `yaml:"mtu"`

	// WGPath is the wg(8) binary used by the command driver.
	WGPath string `yaml:"wg_path"`
}

// SignalingConfig lists the signaling backends.
type SignalingConfig struct {
	// Backends are backend URLs; see signaling/backends for schemes.
	// Messages are published on every backend.
	Backends []string `yaml:"backends"`

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// AcceptUnknownPeers creates sessions for peers that signal us but
	// are not configured. Off by default: only configured peers and
	// peers present on the interface are accepted.
	AcceptUnknownPeers bool `yaml:"accept_unknown_peers"`
}

// ICEConfig configures candidate gathering.
type ICEConfig struct {
	// Port is the UDP port of the shared ICE socket; 0 picks one.
	Port int `yaml:"port"`

	// Networks to gather on: "udp4", "udp6".
	Networks []string `yaml:"networks"`

	// STUN servers as host:port or stun:host:port.
	STUN []string `yaml:"stun"`

	// TURN servers.
	TURN []TURNServer `yaml:"turn"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	// InterfaceFilter is a regular expression; host candidates are
	// gathered only on matching interfaces. Empty matches all.
	InterfaceFilter string `yaml:"interface_filter"`

	// IncludeLoopback gathers loopback addresses, for single-host
	// testing.
	IncludeLoopback bool `yaml:"include_loopback"`

	// DiscoveryTimeout bounds each STUN or TURN exchange during
	// gathering.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// TURNServer is a relay server with long-term credentials.
type TURNServer struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Realm    string `yaml:"realm"`
}

// DiscoveryConfig switches candidate types on and off.
type DiscoveryConfig struct {
	Host      bool `yaml:"host"`
	Reflexive bool `yaml:"reflexive"`
	Relay     bool `yaml:"relay"`
}

// SessionConfig tunes the per-peer state machine.
type SessionConfig struct {
	KeepaliveInterval   time.Duration  `yaml:"keepalive_interval"`
	MaxMissedKeepalives int            `yaml:"max_missed_keepalives"`
	CheckTimeout        time.Duration  `yaml:"check_timeout"`
	FailedTimeout       time.Duration  `yaml:"failed_timeout"`
	CompletionGrace     time.Duration  `yaml:"completion_grace"`
	MaxConcurrentChecks int            `yaml:"max_concurrent_checks"`
	CredentialBackoff   backoff.Policy `yaml:"credential_backoff"`
	RestartBackoff      backoff.Policy `yaml:"restart_backoff"`
}

// ProxyConfig configures the path splicer.
type ProxyConfig struct {
	// Strategies in preference order, from "nat", "raw", "user",
	// "bind". Empty means all of them in that order.
	Strategies []string `yaml:"strategies"`

	// NFTPath is the nft(8) binary used by the nat strategy.
	NFTPath string `yaml:"nft_path"`
}

// PeerConfig describes one remote peer.
type PeerConfig struct {
	PublicKey crypto.Key `yaml:"public_key"`

	// Endpoint is a static host:port. When set, endpoint discovery is
	// disabled for this peer and the endpoint is applied as is.
	Endpoint string `yaml:"endpoint"`

	// AllowedIPs are installed on userspace devices, which start with
	// no peers. Kernel interfaces are expected to be configured
	// already.
	AllowedIPs []string `yaml:"allowed_ips"`

	// PersistentKeepalive in seconds, passed to the tunnel.
	PersistentKeepalive int `yaml:"persistent_keepalive"`
}

// StaticEndpoint parses Endpoint. The second result is false when no
// static endpoint is configured.
func (p PeerConfig) StaticEndpoint() (netip.AddrPort, bool, error) {
	if p.Endpoint == "" {
		return netip.AddrPort{}, false, nil
	}
	endpoint, err := netip.ParseAddrPort(p.Endpoint)
	if err != nil {
		return netip.AddrPort{}, false, fmt.Errorf("peer %s: endpoint: %w", p.PublicKey.Short(), err)
	}
	return endpoint, true, nil
}

// ControlConfig locates the control socket.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig selects log verbosity and format ("json" or "text").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for fields the file omits.
func Default() *Config {
	return &Config{
		Interface: "wg0",
		Tunnel: TunnelConfig{
			Driver: "kernel",
			MTU:    1420,
			WGPath: "wg",
		},
		Signaling: SignalingConfig{
			PublishTimeout: 5 * time.Second,
		},
		ICE: ICEConfig{
			Networks:         []string{"udp4", "udp6"},
			Discovery:        DiscoveryConfig{Host: true, Reflexive: true, Relay: true},
			DiscoveryTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			KeepaliveInterval:   10 * time.Second,
			MaxMissedKeepalives: 3,
			CheckTimeout:        5 * time.Second,
			FailedTimeout:       25 * time.Second,
			CompletionGrace:     5 * time.Second,
			MaxConcurrentChecks: 4,
			CredentialBackoff:   backoff.DefaultPolicy(),
			RestartBackoff:      backoff.Policy{Initial: 2 * time.Second, Max: 2 * time.Minute, Multiplier: 2, Jitter: 0.2},
		},
		Proxy: ProxyConfig{
			Strategies: []string{"nat", "raw", "user", "bind"},
			NFTPath:    "nft",
		},
		Control: ControlConfig{Socket: "/run/wiremesh/${WIREMESH_INTERFACE:-wg0}.sock"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file named by WIREMESH_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s is not set; set it to the path of the wiremesh config file or pass --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads, expands and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	var problems []error
	if c.Interface == "" {
		problems = append(problems, errors.New("interface is required"))
	}
	switch c.Tunnel.Driver {
	case "kernel", "command", "userspace", "memory":
	default:
		problems = append(problems, fmt.Errorf("tunnel.driver %q is not one of kernel, command, userspace, memory", c.Tunnel.Driver))
	}
	if (c.Tunnel.Driver == "userspace" || c.Tunnel.Driver == "memory") && c.Tunnel.ListenPort == 0 {
		problems = append(problems, fmt.Errorf("tunnel.listen_port is required for the %s driver", c.Tunnel.Driver))
	}
	if c.PrivateKey != "" && c.PrivateKeyFile != "" {
		problems = append(problems, errors.New("private_key and private_key_file are mutually exclusive"))
	}
	if c.PrivateKey != "" {
		if _, err := crypto.ParseKey(c.PrivateKey); err != nil {
			problems = append(problems, fmt.Errorf("private_key: %w", err))
		}
	}
	if len(c.Signaling.Backends) == 0 {
		problems = append(problems, errors.New("signaling.backends must list at least one backend"))
	}
	if c.Signaling.PublishTimeout <= 0 {
		problems = append(problems, errors.New("signaling.publish_timeout must be positive"))
	}
	for _, network := range c.ICE.Networks {
		if network != "udp4" && network != "udp6" {
			problems = append(problems, fmt.Errorf("ice.networks: unknown network %q", network))
		}
	}
	if c.ICE.InterfaceFilter != "" {
		if _, err := regexp.Compile(c.ICE.InterfaceFilter); err != nil {
			problems = append(problems, fmt.Errorf("ice.interface_filter: %w", err))
		}
	}
	for _, server := range c.ICE.TURN {
		if server.Address == "" {
			problems = append(problems, errors.New("ice.turn: address is required"))
		}
	}
	if c.Session.KeepaliveInterval <= 0 {
		problems = append(problems, errors.New("session.keepalive_interval must be positive"))
	}
	if c.Session.MaxMissedKeepalives < 1 {
		problems = append(problems, errors.New("session.max_missed_keepalives must be at least 1"))
	}
	if c.Session.MaxConcurrentChecks < 1 {
		problems = append(problems, errors.New("session.max_concurrent_checks must be at least 1"))
	}
	for _, strategy := range c.Proxy.Strategies {
		switch strategy {
		case "nat", "raw", "user", "bind":
		default:
			problems = append(problems, fmt.Errorf("proxy.strategies: unknown strategy %q", strategy))
		}
	}
	seen := make(map[crypto.Key]bool, len(c.Peers))
	for index, peer := range c.Peers {
		if peer.PublicKey.IsZero() {
			problems = append(problems, fmt.Errorf("peers[%d]: public_key is required", index))
			continue
		}
		if seen[peer.PublicKey] {
			problems = append(problems, fmt.Errorf("peers[%d]: duplicate public_key %s", index, peer.PublicKey))
		}
		seen[peer.PublicKey] = true
		if _, _, err := peer.StaticEndpoint(); err != nil {
			problems = append(problems, err)
		}
		for _, prefix := range peer.AllowedIPs {
			if _, err := netip.ParsePrefix(prefix); err != nil {
				problems = append(problems, fmt.Errorf("peers[%d]: allowed_ips: %w", index, err))
			}
		}
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		problems = append(problems, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	return errors.Join(problems...)
}

// Peer returns the configuration of a peer, if present.
func (c *Config) Peer(key crypto.Key) (PeerConfig, bool) {
	for _, peer := range c.Peers {
		if peer.PublicKey == key {
			return peer, true
		}
	}
	return PeerConfig{}, false
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandVariables substitutes ${NAME} references in path and URL
// fields. WIREMESH_INTERFACE resolves to the configured interface.
func (c *Config) expandVariables() {
	builtin := map[string]string{"WIREMESH_INTERFACE": c.Interface}
	expand := func(value string) string {
		return variablePattern.ReplaceAllStringFunc(value, func(match string) string {
			parts := variablePattern.FindStringSubmatch(match)
			if value, ok := builtin[parts[1]]; ok && value != "" {
				return value
			}
			if value := os.Getenv(parts[1]); value != "" {
				return value
			}
			return parts[2]
		})
	}

	c.PrivateKeyFile = expand(c.PrivateKeyFile)
	c.IdentityFile = expand(c.IdentityFile)
	c.Control.Socket = expand(c.Control.Socket)
	c.Tunnel.WGPath = expand(c.Tunnel.WGPath)
	c.Proxy.NFTPath = expand(c.Proxy.NFTPath)
	for index := range c.Signaling.Backends {
		c.Signaling.Backends[index] = expand(c.Signaling.Backends[index])
	}
	for index := range c.ICE.TURN {
		c.ICE.TURN[index].Password = expand(c.ICE.TURN[index].Password)
	}
}
