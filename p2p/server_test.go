package p2p

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"chainnet/p2p/wire"
)

func tcpDialer() Option {
	return WithDialer((&net.Dialer{Timeout: time.Second}).DialContext)
}

func startTCPServer(t *testing.T, cfg Config, seeds ...*Server) *Server {
	t.Helper()
	cfg.ListenAddress = "127.0.0.1:0"
	for _, seed := range seeds {
		cfg.InitialPeers = append(cfg.InitialPeers, seed.ListenAddr().String())
	}
	return startServer(t, cfg, nil, tcpDialer())
}

func TestServersConnectThroughSeeds(t *testing.T) {
	a := startTCPServer(t, testConfig())
	if !a.ListenAddr().IsValid() {
		t.Fatalf("expected a bound listener")
	}
	b := startTCPServer(t, testConfig(), a)

	eventually(t, "both sides ready", func() bool {
		return a.set.ReadyCount() == 1 && b.set.ReadyCount() == 1
	})
	rec, ok := b.book.Get(a.ListenAddr())
	if !ok || rec.State != AddrConnected {
		t.Fatalf("expected dialing side to record a connected seed, got %+v", rec)
	}
	eventually(t, "listener address learned", func() bool {
		_, ok := a.book.Get(b.ListenAddr())
		return ok
	})

	resp, err := b.Call(context.Background(), AdvertiseBlock{Hash: testBlock(1).BlockHash()}, 0)
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if got := resp.(AdvertisedResponse).Peers; got != 1 {
		t.Fatalf("expected advertisement to reach the seed, got %d", got)
	}
}

func TestOutboundConnectionLearnsAddresses(t *testing.T) {
	a := startTCPServer(t, testConfig())
	known := netip.MustParseAddrPort("127.0.0.1:1")
	if err := a.book.InsertOrUpdate(PeerAddress{Addr: known, LastSeen: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b := startTCPServer(t, testConfig(), a)

	eventually(t, "gossiped address", func() bool {
		_, ok := b.book.Get(known)
		return ok
	})
}

func TestPeersRequestBetweenServers(t *testing.T) {
	a := startTCPServer(t, testConfig())
	if err := a.book.InsertOrUpdate(PeerAddress{Addr: netip.MustParseAddrPort("8.8.4.4:18344"), LastSeen: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b := startTCPServer(t, testConfig(), a)
	eventually(t, "both sides ready", func() bool {
		return a.set.ReadyCount() == 1 && b.set.ReadyCount() == 1
	})

	// The connection setup already spent one getaddr; later requests past
	// the budget still get a reply.
	for i := 0; i < getAddrBurst+1; i++ {
		resp, err := b.Call(context.Background(), PeersRequest{}, time.Second)
		if err != nil {
			t.Fatalf("peers request %d: %v", i, err)
		}
		if _, ok := resp.(PeersResponse); !ok {
			t.Fatalf("peers request %d: unexpected response %T", i, resp)
		}
	}
	if got := b.set.ReadyCount(); got != 1 {
		t.Fatalf("expected the connection to survive, ready=%d", got)
	}
}

func TestPoolRefillsAfterDisconnect(t *testing.T) {
	var seeds []*Server
	for i := 0; i < 5; i++ {
		seeds = append(seeds, startTCPServer(t, testConfig()))
	}
	cfg := testConfig()
	cfg.MinPeers = 3
	cfg.CrawlInterval = time.Second
	cfg.DialBaseBackoff = time.Hour
	for _, seed := range seeds {
		cfg.InitialPeers = append(cfg.InitialPeers, seed.ListenAddr().String())
	}
	node := startServer(t, cfg, nil, tcpDialer())

	eventually(t, "initial pool", func() bool { return node.set.ReadyCount() >= 3 })

	peers := node.set.all()
	dropped := map[netip.AddrPort]bool{peers[0].canonical: true, peers[1].canonical: true}
	go peers[0].close(ErrPingTimeout)
	go peers[1].close(ErrPingTimeout)

	deadline := time.Now().Add(cfg.CrawlInterval)
	for {
		refilled := node.set.ReadyCount() >= 3
		for _, p := range node.set.all() {
			if dropped[p.canonical] {
				refilled = false
			}
		}
		if refilled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool not refilled within one crawl interval: ready=%d", node.set.ReadyCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, p := range node.Peers() {
		if p.Direction != Outbound {
			t.Fatalf("expected only outbound connections, got %+v", p)
		}
	}
}

func TestStopClosesConnections(t *testing.T) {
	a := startTCPServer(t, testConfig())
	b := startTCPServer(t, testConfig(), a)
	eventually(t, "connection", func() bool { return a.set.Len() == 1 && b.set.Len() == 1 })

	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if b.set.Len() != 0 {
		t.Fatalf("expected stopped server to hold no connections")
	}
	eventually(t, "remote disconnect", func() bool { return a.set.Len() == 0 })
	if err := b.Connect(context.Background(), a.ListenAddr()); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expected ErrServerStopped, got %v", err)
	}
}

func TestListenFailureDisablesInboundOnly(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig()
	cfg.ListenAddress = busy.Addr().String()
	s := startServer(t, cfg, nil)
	if s.ListenAddr().IsValid() {
		t.Fatalf("expected inbound connections to be disabled")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestInboundHandshakesAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInbound = 1
	s := startServer(t, cfg, nil)

	first, firstClient := pipePair(testListenAddr, "1.2.3.4:18344")
	go s.handleInbound(first)
	eventually(t, "first handshake in progress", func() bool { return len(s.handshakes) == 1 })

	second, secondClient := pipePair(testListenAddr, "5.6.7.8:18344")
	go s.handleInbound(second)
	newRawPeer(t, secondClient).expectClosed()

	raw := newRawPeer(t, firstClient)
	raw.handshakeInbound(18344)
	eventually(t, "slot released", func() bool {
		return len(s.handshakes) == 0 && s.set.ReadyCount() == 1
	})
}

func TestServerUsesChainStateForInventory(t *testing.T) {
	handler := &recordingHandler{}
	have := testBlock(1).BlockHash()
	s := startServer(t, testConfig(), handler, WithChainState(staticChain{have: have}))
	raw := connectInbound(t, s, "1.2.3.4:18344")

	raw.send(&wire.MsgInv{InvList: []wire.InvVect{
		wire.NewInvVect(wire.InvTypeBlock, have),
		wire.NewInvVect(wire.InvTypeBlock, testBlock(2).BlockHash()),
	}})
	raw.send(&wire.MsgPing{Nonce: 1})
	raw.expect(wire.CmdPong)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.inventory) != 1 || len(handler.inventory[0]) != 1 || handler.inventory[0][0].Hash == have {
		t.Fatalf("expected only the unknown block to be forwarded, got %v", handler.inventory)
	}
}

func TestServerVersionCarriesBestHeight(t *testing.T) {
	s := startServer(t, testConfig(), nil, WithChainState(staticChain{height: 1234}))
	serverSide, clientSide := pipePair(testListenAddr, "1.2.3.4:18344")
	go s.handleInbound(serverSide)
	raw := newRawPeer(t, clientSide)
	remote := raw.handshakeInbound(18344)
	if remote.StartHeight != 1234 {
		t.Fatalf("expected start height 1234, got %d", remote.StartHeight)
	}
	if remote.UserAgent != defaultUserAgent {
		t.Fatalf("unexpected user agent %q", remote.UserAgent)
	}
}

type staticChain struct {
	have   wire.Hash
	height int32
}

func (c staticChain) HaveBlock(hash wire.Hash) bool { return hash == c.have }

func (c staticChain) HaveTx(wire.Hash) bool { return false }

func (c staticChain) BestHeight() int32 { return c.height }
