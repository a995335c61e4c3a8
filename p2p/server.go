package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"chainnet/observability/logging"
	"chainnet/p2p/seeds"
	"chainnet/p2p/wire"
)

const (
	bookkeepingInterval = 5 * time.Second
	inboundPerIPBurst   = 4
	acceptRetryDelay    = 50 * time.Millisecond
)

// DialFunc opens an outbound transport connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option customizes a Server.
type Option func(*Server)

// WithChainState lets the server skip inventory the node already has.
func WithChainState(chain ChainState) Option {
	return func(s *Server) {
		if chain != nil {
			s.chain = chain
		}
	}
}

// WithResolver overrides the DNS resolver used for seed host names.
func WithResolver(r seeds.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With(slog.String("component", "p2p_server"))
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Server) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// Server owns the listener, the peer set, the address book and the crawler.
type Server struct {
	cfg      Config
	codec    *wire.Codec
	handler  InboundHandler
	provider DataProvider
	chain    ChainState
	dial     DialFunc
	logger   *slog.Logger
	metrics  *networkMetrics
	now      func() time.Time

	book           *AddressBook
	set            *PeerSet
	crawler        *crawler
	nonces         *nonceGuard
	inboundLimiter *ipRateLimiter
	// handshakes holds one slot per inbound handshake in progress.
	handshakes chan struct{}

	resolverOnce sync.Once
	resolver     seeds.Resolver

	mu         sync.Mutex
	listener   net.Listener
	listenAddr netip.AddrPort
	started    bool
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer builds a server for cfg. Zero config fields take their defaults.
// A nil handler discards inbound application traffic.
func NewServer(cfg Config, handler InboundHandler, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = noopHandler{}
	}
	s := &Server{
		cfg:     cfg,
		codec:   wire.NewCodec(cfg.Network, cfg.MaxPayloadBytes),
		handler: handler,
		chain:   emptyChainState{},
		logger:  slog.Default().With(slog.String("component", "p2p_server")),
		metrics: newNetworkMetrics(),
		now:     time.Now,
		nonces:  newNonceGuard(0),
	}
	if provider, ok := handler.(DataProvider); ok {
		s.provider = provider
	}
	s.dial = (&net.Dialer{Timeout: cfg.HandshakeTimeout}).DialContext
	for _, opt := range opts {
		opt(s)
	}

	book, err := NewAddressBook(AddressBookConfig{
		Path:        cfg.AddressBookPath,
		Capacity:    cfg.AddressBookCapacity,
		BaseBackoff: cfg.DialBaseBackoff,
		MaxBackoff:  cfg.DialMaxBackoff,
		BanDuration: cfg.BanDuration,
		Now:         s.now,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.book = book
	s.set = newPeerSet(cfg, s.logger, s.metrics, s.now)
	s.crawler = newCrawler(s)
	s.inboundLimiter = newIPRateLimiter(cfg.InboundPerIPPerSec, inboundPerIPBurst)
	s.handshakes = make(chan struct{}, cfg.MaxInbound)
	s.metrics.setAddressBookSize(book.Len())
	return s, nil
}

// Start opens the listener, seeds the address book and launches the crawler.
// A listen address that cannot be bound disables inbound connections only.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("p2p: server already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.ListenAddress != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			s.logger.Error("Inbound connections disabled",
				logging.MaskField("listen_address", s.cfg.ListenAddress),
				slog.Any("error", err))
		} else {
			s.listener = ln
			s.listenAddr = addrPortOf(ln.Addr())
		}
	}
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info("P2P server starting",
		slog.String("network", s.cfg.Network.String()),
		logging.MaskField("listen_address", s.ListenAddr().String()),
		slog.Int("min_peers", s.cfg.MinPeers),
		slog.Int("max_peers", s.cfg.MaxPeers),
		slog.String("user_agent", s.cfg.UserAgent))

	if listener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(listener)
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.bookkeepingLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.crawler.run(s.ctx)
	}()
	return nil
}

// Stop cancels every loop, closes every connection and returns once all of
// them have deregistered.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	s.set.closeAll(ErrServerStopped)
	s.wg.Wait()
	s.logger.Info("P2P server stopped")
	return s.book.Close()
}

// ListenAddr returns the bound listener address, or the zero value when
// inbound connections are disabled.
func (s *Server) ListenAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// PeerSet exposes the request router.
func (s *Server) PeerSet() *PeerSet { return s.set }

// AddressBook exposes the known address registry.
func (s *Server) AddressBook() *AddressBook { return s.book }

// Call routes req through the peer set.
func (s *Server) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	return s.set.Call(ctx, req, timeout)
}

// Health reports the pool state.
func (s *Server) Health() Health {
	return s.set.health(s.now())
}

// Peers lists the registered connections.
func (s *Server) Peers() []PeerInfo {
	return s.set.Snapshot()
}

func (s *Server) runContext() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, errors.New("p2p: server not started")
	}
	if s.stopped {
		return nil, ErrServerStopped
	}
	return s.ctx, nil
}

// Connect dials addr, runs the handshake and registers the connection.
func (s *Server) Connect(ctx context.Context, addr netip.AddrPort) error {
	runCtx, err := s.runContext()
	if err != nil {
		return err
	}
	addr = normalizeAddrPort(addr)
	if !validPeerAddr(addr) {
		return fmt.Errorf("%w: %s", errInvalidAddress, addr)
	}
	if s.set.Contains(addr) {
		return errDuplicateConnection
	}
	if s.book.IsBanned(addr.Addr()) {
		return ErrBanned
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dial(dialCtx, "tcp", addr.String())
	dialCancel()
	if err != nil {
		s.metrics.recordHandshake("dial_failed")
		if recErr := s.book.RecordAttempt(addr, OutcomeFailed); recErr != nil {
			s.logger.Debug("Failed to record dial failure", slog.Any("error", recErr))
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return s.setupPeer(ctx, conn, Outbound, addr)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", slog.Any("error", err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(conn)
		}()
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	remote := addrPortOf(conn.RemoteAddr())
	reject := func(reason string) {
		s.metrics.recordHandshake(reason)
		s.logger.Debug("Inbound connection rejected",
			logging.MaskField("peer_address", remote.String()),
			slog.String("reason", reason))
		_ = conn.Close()
	}
	if !s.inboundLimiter.allow(remote.Addr(), s.now()) {
		reject("rate_limited")
		return
	}
	if s.book.IsBanned(remote.Addr()) {
		reject("banned")
		return
	}
	if s.inboundCount() >= s.cfg.MaxInbound {
		reject("inbound_full")
		return
	}
	select {
	case s.handshakes <- struct{}{}:
		defer func() { <-s.handshakes }()
	default:
		reject("handshake_backlog")
		return
	}
	if err := s.setupPeer(s.ctx, conn, Inbound, netip.AddrPort{}); err != nil {
		s.logger.Debug("Inbound connection failed",
			logging.MaskField("peer_address", remote.String()),
			slog.Any("error", err))
	}
}

func (s *Server) inboundCount() int {
	n := 0
	for _, p := range s.set.all() {
		if p.direction == Inbound {
			n++
		}
	}
	return n
}

// setupPeer runs the handshake on conn and, on success, registers and starts
// the connection actor.
func (s *Server) setupPeer(ctx context.Context, conn net.Conn, dir Direction, dialed netip.AddrPort) error {
	res, err := s.performHandshake(ctx, conn, dir)
	if err != nil {
		_ = conn.Close()
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) {
			s.metrics.recordHandshake(hsErr.Reason.String())
		} else {
			s.metrics.recordHandshake("aborted")
		}
		if dir == Outbound {
			if recErr := s.book.RecordAttempt(dialed, OutcomeFailed); recErr != nil {
				s.logger.Debug("Failed to record handshake failure", slog.Any("error", recErr))
			}
		}
		return err
	}
	s.metrics.recordHandshake("ok")

	p := newPeer(s, conn, dir, dialed, res)
	if err := s.set.register(p); err != nil {
		p.close(err)
		return err
	}

	now := s.now()
	if dir == Outbound {
		if err := s.book.RecordAttempt(dialed, OutcomeConnected); err != nil {
			p.logger.Debug("Failed to record connection", slog.Any("error", err))
		}
		p.askedAddr.Store(true)
		_ = p.trySend(&wire.MsgGetAddr{})
	} else if res.remote.AddrFrom.Addr.Port() != 0 {
		// The remote listens; remember where.
		err := s.book.InsertOrUpdate(PeerAddress{Addr: p.canonical, Services: res.remote.Services, LastSeen: now})
		if err != nil && !errors.Is(err, ErrAddrBookFull) {
			p.logger.Debug("Inbound address not recorded", slog.Any("error", err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.run()
	}()
	if s.ctx.Err() != nil {
		p.close(ErrServerStopped)
		return ErrServerStopped
	}
	p.logger.Info("Peer connected",
		slog.Uint64("protocol_version", uint64(res.remote.ProtocolVersion)),
		slog.String("user_agent", res.remote.UserAgent),
		slog.Int("start_height", int(res.remote.StartHeight)))
	return nil
}

// peerClosed runs once per connection from Peer.close. It deregisters the
// connection and records how it ended against its address.
func (s *Server) peerClosed(p *Peer, reason error) {
	removed := s.set.deregister(p)
	now := s.now()

	switch {
	case p.banned.Load():
		if err := s.book.MarkBanned(p.canonical, now.Add(s.cfg.BanDuration)); err != nil {
			p.logger.Debug("Failed to record ban", slog.Any("error", err))
		}
		s.metrics.recordEviction("banned")
		p.logger.Warn("Peer disconnected and banned", slog.Any("error", reason))
		return
	case !removed:
		p.logger.Debug("Connection discarded", slog.Any("error", reason))
		return
	}

	if p.direction == Outbound {
		outcome := OutcomeDisconnected
		if errors.Is(reason, ErrRequestTimeout) || errors.Is(reason, ErrPingTimeout) {
			outcome = OutcomeFailed
		}
		if err := s.book.RecordAttempt(p.canonical, outcome); err != nil {
			p.logger.Debug("Failed to record disconnect", slog.Any("error", err))
		}
	}
	if errors.Is(reason, ErrServerStopped) {
		p.logger.Debug("Peer disconnected", slog.Any("error", reason))
		return
	}
	p.logger.Info("Peer disconnected", slog.Any("error", reason))
}

func (s *Server) bookkeepingLoop() {
	ticker := time.NewTicker(bookkeepingInterval)
	defer ticker.Stop()
	degraded := false
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			h := s.set.bookkeep(s.now())
			s.metrics.setAddressBookSize(s.book.Len())
			if h.Degraded != degraded {
				degraded = h.Degraded
				if degraded {
					s.logger.Warn("Peer pool degraded", slog.Time("since", h.Since), slog.Int("total", h.Total))
				} else {
					s.logger.Info("Peer pool recovered", slog.Int("ready", h.Ready))
				}
			}
		}
	}
}

func (s *Server) haveItem(iv wire.InvVect) bool {
	switch iv.Type {
	case wire.InvTypeBlock:
		return s.chain.HaveBlock(iv.Hash)
	case wire.InvTypeTx:
		return s.chain.HaveTx(iv.Hash)
	default:
		return false
	}
}

func (s *Server) seedResolver() seeds.Resolver {
	s.resolverOnce.Do(func() {
		if s.resolver != nil {
			return
		}
		r, err := seeds.NewDNSResolver(s.cfg.DNSServers, s.cfg.RequestTimeout)
		if err != nil {
			s.logger.Warn("DNS seed resolution disabled", slog.Any("error", err))
			return
		}
		s.resolver = r
	})
	return s.resolver
}
