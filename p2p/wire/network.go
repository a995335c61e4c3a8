package wire

import (
	"fmt"
	"strings"
)

const (
	// ProtocolVersion is the version advertised in outgoing Version messages.
	ProtocolVersion uint32 = 170013

	// MinProtocolVersion is the oldest remote version accepted by default.
	MinProtocolVersion uint32 = 170002

	// MaxUserAgentLen bounds the user agent carried in Version messages.
	MaxUserAgentLen = 256
)

// Network selects the magic marker, default port and default seed list.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

var networkMagic = map[Network][4]byte{
	Mainnet: {0x24, 0xe9, 0x27, 0x64},
	Testnet: {0xfa, 0x1a, 0xf9, 0xbf},
	Regtest: {0xaa, 0xe8, 0x3f, 0x5f},
}

// Magic returns the 4-byte marker that prefixes every frame on the network.
func (n Network) Magic() [4]byte {
	if magic, ok := networkMagic[n]; ok {
		return magic
	}
	return networkMagic[Mainnet]
}

// DefaultPort is the listening port peers use unless configured otherwise.
func (n Network) DefaultPort() uint16 {
	switch n {
	case Testnet:
		return 18233
	case Regtest:
		return 18344
	default:
		return 8233
	}
}

// DefaultSeeds lists the DNS seeders queried when no initial peers are
// configured.
func (n Network) DefaultSeeds() []string {
	switch n {
	case Mainnet:
		return []string{
			"dnsseed.z.cash:8233",
			"dnsseed.str4d.xyz:8233",
			"mainnet.seeder.zfnd.org:8233",
			"mainnet.is.yolo.money:8233",
		}
	case Testnet:
		return []string{
			"dnsseed.testnet.z.cash:18233",
			"testnet.seeder.zfnd.org:18233",
			"testnet.is.yolo.money:18233",
		}
	default:
		return nil
	}
}

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

// ParseNetwork maps a configuration value onto a Network.
func ParseNetwork(value string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "main", "mainnet":
		return Mainnet, nil
	case "test", "testnet":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	default:
		return Mainnet, fmt.Errorf("unknown network %q", value)
	}
}

// ServiceFlag is the bit set of services a node advertises.
type ServiceFlag uint64

const (
	// SFNodeNetwork marks a node that serves the full chain.
	SFNodeNetwork ServiceFlag = 1 << iota
)

// Has reports whether every bit in required is set.
func (f ServiceFlag) Has(required ServiceFlag) bool {
	return f&required == required
}

func (f ServiceFlag) String() string {
	if f == 0 {
		return "none"
	}
	if f == SFNodeNetwork {
		return "NODE_NETWORK"
	}
	return fmt.Sprintf("0x%x", uint64(f))
}
