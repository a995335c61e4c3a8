package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"chainnet/p2p/seeds"
	"chainnet/p2p/wire"
)

// maxPayloadLimit bounds the configurable frame payload ceiling.
const maxPayloadLimit = 32 << 20

// Validate reports every configuration error found. The p2p listen address
// is not checked here: a listener that cannot be opened only disables
// inbound connections at startup.
func (c *Config) Validate() error {
	var errs []error
	p := c.P2P

	if _, err := wire.ParseNetwork(p.Network); err != nil {
		errs = append(errs, fmt.Errorf("p2p.Network: %w", err))
	}
	for name, v := range map[string]int{
		"MinPeers":            p.MinPeers,
		"MaxPeers":            p.MaxPeers,
		"MaxInbound":          p.MaxInbound,
		"MaxInFlight":         p.MaxInFlight,
		"BanThreshold":        p.BanThreshold,
		"AddressBookCapacity": p.AddressBookCapacity,
		"MaxConcurrentDials":  p.MaxConcurrentDials,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("p2p.%s: must not be negative", name))
		}
	}
	if p.MaxPeers > 0 && p.MinPeers > p.MaxPeers {
		errs = append(errs, fmt.Errorf("p2p.MinPeers: %d exceeds MaxPeers %d", p.MinPeers, p.MaxPeers))
	}
	if p.MaxPeers > 0 && p.MaxInbound > p.MaxPeers {
		errs = append(errs, fmt.Errorf("p2p.MaxInbound: %d exceeds MaxPeers %d", p.MaxInbound, p.MaxPeers))
	}
	for name, d := range map[string]time.Duration{
		"HandshakeTimeout":   p.HandshakeTimeout,
		"RequestTimeout":     p.RequestTimeout,
		"PingInterval":       p.PingInterval,
		"PingTimeout":        p.PingTimeout,
		"CrawlInterval":      p.CrawlInterval,
		"GetAddrInterval":    p.GetAddrInterval,
		"AddrGossipInterval": p.AddrGossipInterval,
		"DegradedAfter":      p.DegradedAfter,
		"BanDuration":        p.BanDuration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("p2p.%s: must not be negative", name))
		}
	}
	if p.AddrGossipPerSecond < 0 {
		errs = append(errs, errors.New("p2p.AddrGossipPerSecond: must not be negative"))
	}
	if p.MaxPayloadBytes > maxPayloadLimit {
		errs = append(errs, fmt.Errorf("p2p.MaxPayloadBytes: exceeds %d", maxPayloadLimit))
	}
	if _, err := seeds.Parse(p.InitialPeers, 1); err != nil {
		errs = append(errs, fmt.Errorf("p2p.InitialPeers: %w", err))
	}

	if addr := strings.TrimSpace(c.Admin.ListenAddress); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("admin.ListenAddress: %w", err))
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.Level: %w", err))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, errors.New("log: rotation limits must not be negative"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level. An empty level means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(l.Level) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
