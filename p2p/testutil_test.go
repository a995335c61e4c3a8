package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"chainnet/p2p/wire"
)

const (
	testTimeout    = 5 * time.Second
	testListenAddr = "127.0.0.1:18344"
)

func testConfig() Config {
	return Config{
		Network:            wire.Regtest,
		MinPeers:           1,
		MaxPeers:           8,
		HandshakeTimeout:   time.Second,
		RequestTimeout:     time.Second,
		PingInterval:       time.Hour,
		PingTimeout:        time.Hour,
		CrawlInterval:      time.Hour,
		GetAddrInterval:    time.Hour,
		AddrGossipInterval: time.Hour,
		InboundPerIPPerSec: 100,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addrConn overrides the addresses net.Pipe reports so connections look
// like TCP sockets between routable hosts.
type addrConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *addrConn) LocalAddr() net.Addr  { return c.local }
func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

func tcpAddr(s string) *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

// pipePair returns the two ends of an in-memory connection between a and b.
func pipePair(a, b string) (net.Conn, net.Conn) {
	left, right := net.Pipe()
	return &addrConn{Conn: left, local: tcpAddr(a), remote: tcpAddr(b)},
		&addrConn{Conn: right, local: tcpAddr(b), remote: tcpAddr(a)}
}

// pipeNetwork is an in-memory dialer. Dials to unregistered addresses are
// refused.
type pipeNetwork struct {
	mu       sync.Mutex
	local    string
	handlers map[string]func(net.Conn)
	dials    map[string]int
}

func newPipeNetwork(local string) *pipeNetwork {
	return &pipeNetwork{local: local, handlers: make(map[string]func(net.Conn)), dials: make(map[string]int)}
}

func (n *pipeNetwork) handle(addr string, fn func(net.Conn)) {
	n.mu.Lock()
	n.handlers[addr] = fn
	n.mu.Unlock()
}

func (n *pipeNetwork) dialCount(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[addr]
}

func (n *pipeNetwork) dial(_ context.Context, _, address string) (net.Conn, error) {
	n.mu.Lock()
	n.dials[address]++
	fn := n.handlers[address]
	n.mu.Unlock()
	if fn == nil {
		return nil, errors.New("connection refused")
	}
	local, remote := pipePair(n.local, address)
	go fn(remote)
	return local, nil
}

type recordingHandler struct {
	mu        sync.Mutex
	inventory [][]wire.InvVect
	blocks    []*wire.MsgBlock
	txs       []*wire.MsgTx
	txErr     error

	provided map[wire.Hash]*wire.MsgBlock
	mempool  []wire.Hash
}

func (h *recordingHandler) HandleInventory(_ PeerInfo, items []wire.InvVect) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inventory = append(h.inventory, items)
}

func (h *recordingHandler) HandleBlock(_ context.Context, _ PeerInfo, block *wire.MsgBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks = append(h.blocks, block)
	return nil
}

func (h *recordingHandler) HandleTx(_ context.Context, _ PeerInfo, tx *wire.MsgTx) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txs = append(h.txs, tx)
	return h.txErr
}

func (h *recordingHandler) Block(hash wire.Hash) (*wire.MsgBlock, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.provided[hash]
	return b, ok
}

func (h *recordingHandler) Transaction(wire.Hash) (*wire.MsgTx, bool) { return nil, false }

func (h *recordingHandler) MempoolTransactionIDs() []wire.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]wire.Hash(nil), h.mempool...)
}

func (h *recordingHandler) counts() (inv, blocks, txs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inventory), len(h.blocks), len(h.txs)
}

func startServer(t *testing.T, cfg Config, handler InboundHandler, opts ...Option) *Server {
	t.Helper()
	defaults := []Option{WithLogger(testLogger()), WithDialer(newPipeNetwork(testListenAddr).dial)}
	opts = append(defaults, opts...)
	s, err := NewServer(cfg, handler, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testBlock(seed byte) *wire.MsgBlock {
	payload := make([]byte, wire.BlockHeaderPrefixLen+8)
	for i := range payload {
		payload[i] = seed + byte(i)
	}
	return &wire.MsgBlock{Payload: payload}
}

func testTx(seed byte) *wire.MsgTx {
	return &wire.MsgTx{Payload: []byte{0x01, seed, 0x02, seed}}
}

// rawPeer drives the remote end of a connection by hand.
type rawPeer struct {
	t     *testing.T
	conn  net.Conn
	codec *wire.Codec
	nonce uint64
	msgs  chan wire.Message
	done  chan struct{}
	err   error
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	r := &rawPeer{
		t:     t,
		conn:  conn,
		codec: wire.NewCodec(wire.Regtest, 0),
		nonce: rand.Uint64() | 1,
		msgs:  make(chan wire.Message, 256),
		done:  make(chan struct{}),
	}
	go r.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return r
}

func (r *rawPeer) readLoop() {
	defer close(r.done)
	reader := newFrameReader(r.conn, r.codec)
	for {
		msg, err := reader.next()
		if err != nil {
			r.err = err
			return
		}
		r.msgs <- msg
	}
}

func (r *rawPeer) version(listenPort uint16) *wire.MsgVersion {
	me := wire.NewNetAddress(netip.AddrPortFrom(addrPortOf(r.conn.LocalAddr()).Addr(), listenPort), wire.SFNodeNetwork, time.Time{})
	you := wire.NewNetAddress(addrPortOf(r.conn.RemoteAddr()), 0, time.Time{})
	return wire.NewMsgVersion(me, you, r.nonce, "/raw:1.0/", 7)
}

func (r *rawPeer) send(msgs ...wire.Message) {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := writeFrames(ctx, r.conn, r.codec, msgs); err != nil {
		r.t.Fatalf("raw peer send: %v", err)
	}
}

func (r *rawPeer) sendBytes(b []byte) {
	r.t.Helper()
	_ = r.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := r.conn.Write(b); err != nil {
		r.t.Fatalf("raw peer write: %v", err)
	}
}

// expect returns the next message with the given command, discarding others.
func (r *rawPeer) expect(command string) wire.Message {
	r.t.Helper()
	timer := time.NewTimer(testTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-r.msgs:
			if msg.Command() == command {
				return msg
			}
		case <-r.done:
			if msg := r.buffered(command); msg != nil {
				return msg
			}
			r.t.Fatalf("connection closed waiting for %s: %v", command, r.err)
		case <-timer.C:
			r.t.Fatalf("timed out waiting for %s", command)
		}
	}
}

// buffered returns a message with the given command that arrived before the
// connection closed.
func (r *rawPeer) buffered(command string) wire.Message {
	for {
		select {
		case msg := <-r.msgs:
			if msg.Command() == command {
				return msg
			}
		default:
			return nil
		}
	}
}

// expectNone fails if a message with the given command arrives within d.
func (r *rawPeer) expectNone(command string, d time.Duration) {
	r.t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case msg := <-r.msgs:
			if msg.Command() == command {
				r.t.Fatalf("unexpected %s", command)
			}
		case <-r.done:
			return
		case <-timer.C:
			return
		}
	}
}

func (r *rawPeer) expectClosed() {
	r.t.Helper()
	select {
	case <-r.done:
	case <-time.After(testTimeout):
		r.t.Fatalf("connection was not closed")
	}
}

// handshakeInbound completes the handshake from the dialing side.
func (r *rawPeer) handshakeInbound(listenPort uint16) *wire.MsgVersion {
	r.t.Helper()
	r.send(r.version(listenPort))
	remote := r.expect(wire.CmdVersion).(*wire.MsgVersion)
	r.expect(wire.CmdVerAck)
	r.send(&wire.MsgVerAck{})
	return remote
}

// handshakeOutbound answers a handshake opened by the server.
func (r *rawPeer) handshakeOutbound(listenPort uint16) *wire.MsgVersion {
	r.t.Helper()
	remote := r.expect(wire.CmdVersion).(*wire.MsgVersion)
	r.send(r.version(listenPort), &wire.MsgVerAck{})
	r.expect(wire.CmdVerAck)
	return remote
}

// attachInbound opens an inbound connection from remote and completes the
// handshake, advertising listenPort. A zero nonce keeps the random one.
func attachInbound(t *testing.T, s *Server, remote string, listenPort uint16, nonce uint64) *rawPeer {
	t.Helper()
	serverSide, clientSide := pipePair(testListenAddr, remote)
	go s.handleInbound(serverSide)
	r := newRawPeer(t, clientSide)
	if nonce != 0 {
		r.nonce = nonce
	}
	r.handshakeInbound(listenPort)
	return r
}

// connectInbound attaches a raw peer at remote to s and returns once the
// connection is registered.
func connectInbound(t *testing.T, s *Server, remote string) *rawPeer {
	t.Helper()
	canonical := netip.MustParseAddrPort(remote)
	r := attachInbound(t, s, remote, canonical.Port(), 0)
	eventually(t, "inbound registration", func() bool { return s.set.Contains(canonical) })
	return r
}

func peerFor(t *testing.T, s *Server, addr string) *Peer {
	t.Helper()
	target := netip.MustParseAddrPort(addr)
	for _, p := range s.set.all() {
		if p.canonical == target {
			return p
		}
	}
	t.Fatalf("no peer registered for %s", addr)
	return nil
}
