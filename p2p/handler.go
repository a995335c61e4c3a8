package p2p

import (
	"context"
	"net/netip"
	"time"

	"chainnet/p2p/wire"
)

// Direction records which side opened a connection.
type Direction uint8

const (
	Inbound Direction = iota + 1
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// PeerInfo is a read-only view of one connection handed to callbacks and
// status endpoints.
type PeerInfo struct {
	ID              string
	Addr            netip.AddrPort
	Direction       Direction
	ProtocolVersion uint32
	Services        wire.ServiceFlag
	UserAgent       string
	StartHeight     int32
	ConnectedAt     time.Time
	LastActivity    time.Time
	InFlight        int
	Misbehavior     int
	Ready           bool
}

// InboundHandler receives the application traffic peers push to the node.
// Returning an error wrapping ErrInvalidPayload from HandleBlock or HandleTx
// penalizes the sending connection.
type InboundHandler interface {
	HandleInventory(peer PeerInfo, items []wire.InvVect)
	HandleBlock(ctx context.Context, peer PeerInfo, block *wire.MsgBlock) error
	HandleTx(ctx context.Context, peer PeerInfo, tx *wire.MsgTx) error
}

// DataProvider is optionally implemented by the InboundHandler to serve
// GetData and Mempool requests from peers.
type DataProvider interface {
	Block(hash wire.Hash) (*wire.MsgBlock, bool)
	Transaction(id wire.Hash) (*wire.MsgTx, bool)
	MempoolTransactionIDs() []wire.Hash
}

// ChainState answers "do we already have this item" so advertisements for
// known items are not forwarded or requested again.
type ChainState interface {
	HaveBlock(hash wire.Hash) bool
	HaveTx(id wire.Hash) bool
}

type noopHandler struct{}

func (noopHandler) HandleInventory(PeerInfo, []wire.InvVect) {}

func (noopHandler) HandleBlock(context.Context, PeerInfo, *wire.MsgBlock) error { return nil }

func (noopHandler) HandleTx(context.Context, PeerInfo, *wire.MsgTx) error { return nil }

type emptyChainState struct{}

func (emptyChainState) HaveBlock(wire.Hash) bool { return false }

func (emptyChainState) HaveTx(wire.Hash) bool { return false }
