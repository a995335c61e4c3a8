package p2p

import (
	"time"

	"chainnet/p2p/wire"
)

const (
	defaultMinPeers            = 8
	defaultMaxPeers            = 50
	defaultHandshakeTimeout    = 5 * time.Second
	defaultRequestTimeout      = 20 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultPingInterval        = 2 * time.Minute
	defaultPingTimeout         = 20 * time.Second
	defaultCrawlInterval       = time.Minute
	defaultGetAddrInterval     = 10 * time.Minute
	defaultAddrGossipInterval  = 5 * time.Minute
	defaultAddrGossipPerSecond = 0.1
	defaultMaxInFlight         = 4
	defaultBanThreshold        = 100
	defaultBanDuration         = 24 * time.Hour
	defaultAddressBookCapacity = 4096
	defaultMaxConcurrentDials  = 8
	defaultUserAgent           = "/chainnet:0.1.0/"
	defaultOutboundQueueSize   = 64
	defaultKnownInventorySize  = 4096
	defaultKnownInventoryTTL   = 10 * time.Minute
	defaultDegradedAfter       = 2 * time.Minute
	defaultMessagesPerSecond   = 200
	defaultMessageBurst        = 400
	defaultAddrPerSecond       = 10
	defaultInboundPerIPRate    = 1
	defaultSanitizedLimit      = 50
	defaultScoreHalfLife       = 10 * time.Minute
	defaultDialBaseBackoff     = time.Second
	defaultDialMaxBackoff      = 30 * time.Minute
)

// Penalties sets the misbehavior score added for each violation class. A
// connection whose score reaches Config.BanThreshold is closed and banned.
type Penalties struct {
	MalformedMessage  int
	ProtocolViolation int
	OversizedPayload  int
	Unsolicited       int
	Duplicate         int
	InvalidPayload    int
	AddrFlood         int
	RateLimited       int
}

// DefaultPenalties scores a single oversized frame or invalid payload as
// grounds for a ban and tolerates occasional noise from honest peers.
func DefaultPenalties() Penalties {
	return Penalties{
		MalformedMessage:  10,
		ProtocolViolation: 20,
		OversizedPayload:  defaultBanThreshold,
		Unsolicited:       5,
		Duplicate:         2,
		InvalidPayload:    defaultBanThreshold,
		AddrFlood:         5,
		RateLimited:       10,
	}
}

// Config is the runtime configuration of the network layer.
type Config struct {
	Network wire.Network
	// ListenAddress is the host:port accepting inbound peers. Empty disables
	// inbound connections.
	ListenAddress string
	// InitialPeers overrides the network's default DNS seeds.
	InitialPeers []string
	// DNSServers are the nameservers used to resolve seed host names. Empty
	// uses the system resolv.conf.
	DNSServers []string

	MinPeers   int
	MaxPeers   int
	MaxInbound int

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration

	CrawlInterval       time.Duration
	GetAddrInterval     time.Duration
	AddrGossipInterval  time.Duration
	AddrGossipPerSecond float64
	MaxConcurrentDials  int

	MaxInFlight int
	// RequestTimeoutEvictions is the number of routed request timeouts a
	// connection may accumulate before it is evicted.
	RequestTimeoutEvictions int

	BanThreshold       int
	BanDuration        time.Duration
	Penalties          Penalties
	ScoreHalfLife      time.Duration
	MessagesPerSecond  float64
	MessageBurst       int
	AddrPerSecond      float64
	InboundPerIPPerSec float64

	AddressBookCapacity int
	AddressBookPath     string
	DialBaseBackoff     time.Duration
	DialMaxBackoff      time.Duration

	MaxPayloadBytes    uint32
	UserAgent          string
	Services           wire.ServiceFlag
	RequiredServices   wire.ServiceFlag
	MinProtocolVersion uint32

	OutboundQueueSize  int
	KnownInventorySize int
	KnownInventoryTTL  time.Duration
	DegradedAfter      time.Duration
}

// DefaultConfig returns a mainnet configuration with every field set.
func DefaultConfig() Config {
	return Config{Network: wire.Mainnet}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.MinPeers <= 0 {
		c.MinPeers = defaultMinPeers
	}
	if c.MinPeers > c.MaxPeers {
		c.MinPeers = c.MaxPeers
	}
	if c.MaxInbound <= 0 || c.MaxInbound > c.MaxPeers {
		c.MaxInbound = c.MaxPeers
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.CrawlInterval <= 0 {
		c.CrawlInterval = defaultCrawlInterval
	}
	if c.GetAddrInterval <= 0 {
		c.GetAddrInterval = defaultGetAddrInterval
	}
	if c.AddrGossipInterval <= 0 {
		c.AddrGossipInterval = defaultAddrGossipInterval
	}
	if c.AddrGossipPerSecond <= 0 {
		c.AddrGossipPerSecond = defaultAddrGossipPerSecond
	}
	if c.MaxConcurrentDials <= 0 {
		c.MaxConcurrentDials = defaultMaxConcurrentDials
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.RequestTimeoutEvictions <= 0 {
		c.RequestTimeoutEvictions = 1
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = defaultBanThreshold
	}
	if c.BanDuration <= 0 {
		c.BanDuration = defaultBanDuration
	}
	if c.Penalties == (Penalties{}) {
		c.Penalties = DefaultPenalties()
	}
	if c.ScoreHalfLife <= 0 {
		c.ScoreHalfLife = defaultScoreHalfLife
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	if c.AddrPerSecond <= 0 {
		c.AddrPerSecond = defaultAddrPerSecond
	}
	if c.InboundPerIPPerSec <= 0 {
		c.InboundPerIPPerSec = defaultInboundPerIPRate
	}
	if c.AddressBookCapacity <= 0 {
		c.AddressBookCapacity = defaultAddressBookCapacity
	}
	if c.DialBaseBackoff <= 0 {
		c.DialBaseBackoff = defaultDialBaseBackoff
	}
	if c.DialMaxBackoff <= 0 {
		c.DialMaxBackoff = defaultDialMaxBackoff
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = wire.DefaultMaxPayload
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Services == 0 {
		c.Services = wire.SFNodeNetwork
	}
	if c.MinProtocolVersion == 0 {
		c.MinProtocolVersion = wire.MinProtocolVersion
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.KnownInventorySize <= 0 {
		c.KnownInventorySize = defaultKnownInventorySize
	}
	if c.KnownInventoryTTL <= 0 {
		c.KnownInventoryTTL = defaultKnownInventoryTTL
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = defaultDegradedAfter
	}
	if len(c.InitialPeers) == 0 {
		c.InitialPeers = c.Network.DefaultSeeds()
	}
	return c
}

func (p Penalties) forViolation(v violation) int {
	switch v {
	case violationMalformed:
		return p.MalformedMessage
	case violationProtocol:
		return p.ProtocolViolation
	case violationOversized:
		return p.OversizedPayload
	case violationUnsolicited:
		return p.Unsolicited
	case violationDuplicate:
		return p.Duplicate
	case violationInvalidPayload:
		return p.InvalidPayload
	case violationAddrFlood:
		return p.AddrFlood
	case violationRateLimited:
		return p.RateLimited
	default:
		return 0
	}
}
