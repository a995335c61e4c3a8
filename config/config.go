package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"chainnet/p2p"
	"chainnet/p2p/wire"
)

// Config is the on-disk configuration of the p2pd daemon.
type Config struct {
	P2P   P2PConfig   `toml:"p2p" yaml:"p2p"`
	Admin AdminConfig `toml:"admin" yaml:"admin"`
	Log   LogConfig   `toml:"log" yaml:"log"`
}

// P2PConfig mirrors the tunable subset of p2p.Config. Zero values fall back to
// the network layer defaults.
type P2PConfig struct {
	Network       string   `toml:"Network" yaml:"network"`
	ListenAddress string   `toml:"ListenAddress" yaml:"listenAddress"`
	InitialPeers  []string `toml:"InitialPeers" yaml:"initialPeers"`
	DNSServers    []string `toml:"DNSServers" yaml:"dnsServers"`

	MinPeers   int `toml:"MinPeers" yaml:"minPeers"`
	MaxPeers   int `toml:"MaxPeers" yaml:"maxPeers"`
	MaxInbound int `toml:"MaxInbound" yaml:"maxInbound"`

	HandshakeTimeout    time.Duration `toml:"HandshakeTimeout" yaml:"handshakeTimeout"`
	RequestTimeout      time.Duration `toml:"RequestTimeout" yaml:"requestTimeout"`
	PingInterval        time.Duration `toml:"PingInterval" yaml:"pingInterval"`
	PingTimeout         time.Duration `toml:"PingTimeout" yaml:"pingTimeout"`
	CrawlInterval       time.Duration `toml:"CrawlInterval" yaml:"crawlInterval"`
	GetAddrInterval     time.Duration `toml:"GetAddrInterval" yaml:"getAddrInterval"`
	AddrGossipInterval  time.Duration `toml:"AddrGossipInterval" yaml:"addrGossipInterval"`
	AddrGossipPerSecond float64       `toml:"AddrGossipPerSecond" yaml:"addrGossipPerSecond"`
	DegradedAfter       time.Duration `toml:"DegradedAfter" yaml:"degradedAfter"`

	MaxInFlight  int           `toml:"MaxInFlight" yaml:"maxInFlight"`
	BanThreshold int           `toml:"BanThreshold" yaml:"banThreshold"`
	BanDuration  time.Duration `toml:"BanDuration" yaml:"banDuration"`

	AddressBookCapacity int    `toml:"AddressBookCapacity" yaml:"addressBookCapacity"`
	AddressBookPath     string `toml:"AddressBookPath" yaml:"addressBookPath"`
	MaxConcurrentDials  int    `toml:"MaxConcurrentDials" yaml:"maxConcurrentDials"`
	MaxPayloadBytes     uint32 `toml:"MaxPayloadBytes" yaml:"maxPayloadBytes"`
	UserAgent           string `toml:"UserAgent" yaml:"userAgent"`
}

// AdminConfig controls the local HTTP endpoint serving metrics, health and
// the peer table. An empty ListenAddress disables it.
type AdminConfig struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listenAddress"`
}

// LogConfig selects the minimum log level and an optional rotated log file.
type LogConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

const defaultAdminAddress = "127.0.0.1:9102"

// Default returns the configuration written for a fresh node.
func Default() *Config {
	base := p2p.DefaultConfig()
	return &Config{
		P2P: P2PConfig{
			Network:             base.Network.String(),
			ListenAddress:       fmt.Sprintf("0.0.0.0:%d", base.Network.DefaultPort()),
			InitialPeers:        []string{},
			DNSServers:          []string{},
			MinPeers:            base.MinPeers,
			MaxPeers:            base.MaxPeers,
			MaxInbound:          base.MaxInbound,
			HandshakeTimeout:    base.HandshakeTimeout,
			RequestTimeout:      base.RequestTimeout,
			PingInterval:        base.PingInterval,
			PingTimeout:         base.PingTimeout,
			CrawlInterval:       base.CrawlInterval,
			GetAddrInterval:     base.GetAddrInterval,
			AddrGossipInterval:  base.AddrGossipInterval,
			AddrGossipPerSecond: base.AddrGossipPerSecond,
			DegradedAfter:       base.DegradedAfter,
			MaxInFlight:         base.MaxInFlight,
			BanThreshold:        base.BanThreshold,
			BanDuration:         base.BanDuration,
			AddressBookCapacity: base.AddressBookCapacity,
			AddressBookPath:     "./chainnet-data/addrbook",
			MaxConcurrentDials:  base.MaxConcurrentDials,
			MaxPayloadBytes:     base.MaxPayloadBytes,
			UserAgent:           base.UserAgent,
		},
		Admin: AdminConfig{ListenAddress: defaultAdminAddress},
		Log:   LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
	}
}

// Load reads the configuration at path. YAML is used for .yaml and .yml
// files and TOML for everything else. A missing file is created with the
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string, cfg *Config) error {
	if !isYAML(path) {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return fmt.Errorf("decode %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

// NetworkConfig converts the [p2p] table into the network layer
// configuration. Fields left at zero are filled in by the server.
func (c *Config) NetworkConfig() (p2p.Config, error) {
	network, err := wire.ParseNetwork(c.P2P.Network)
	if err != nil {
		return p2p.Config{}, err
	}
	return p2p.Config{
		Network:             network,
		ListenAddress:       strings.TrimSpace(c.P2P.ListenAddress),
		InitialPeers:        trimList(c.P2P.InitialPeers),
		DNSServers:          trimList(c.P2P.DNSServers),
		MinPeers:            c.P2P.MinPeers,
		MaxPeers:            c.P2P.MaxPeers,
		MaxInbound:          c.P2P.MaxInbound,
		HandshakeTimeout:    c.P2P.HandshakeTimeout,
		RequestTimeout:      c.P2P.RequestTimeout,
		PingInterval:        c.P2P.PingInterval,
		PingTimeout:         c.P2P.PingTimeout,
		CrawlInterval:       c.P2P.CrawlInterval,
		GetAddrInterval:     c.P2P.GetAddrInterval,
		AddrGossipInterval:  c.P2P.AddrGossipInterval,
		AddrGossipPerSecond: c.P2P.AddrGossipPerSecond,
		DegradedAfter:       c.P2P.DegradedAfter,
		MaxInFlight:         c.P2P.MaxInFlight,
		BanThreshold:        c.P2P.BanThreshold,
		BanDuration:         c.P2P.BanDuration,
		AddressBookCapacity: c.P2P.AddressBookCapacity,
		AddressBookPath:     strings.TrimSpace(c.P2P.AddressBookPath),
		MaxConcurrentDials:  c.P2P.MaxConcurrentDials,
		MaxPayloadBytes:     c.P2P.MaxPayloadBytes,
		UserAgent:           c.P2P.UserAgent,
	}, nil
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
