package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chainnet/observability/logging"
	"chainnet/p2p/seeds"
	"chainnet/p2p/wire"
)

const (
	getAddrFanout = 3
	gossipFanout  = 2
)

// crawler keeps the pool at its target size. It dials address book
// candidates whenever the pool is short, collects addresses from peers and
// gossips a sample of the book back out.
type crawler struct {
	server *Server
	book   *AddressBook
	set    *PeerSet
	cfg    Config
	logger *slog.Logger

	gossipLimiter *rate.Limiter

	mu      sync.Mutex
	pending map[netip.AddrPort]struct{}
}

func newCrawler(s *Server) *crawler {
	return &crawler{
		server:        s,
		book:          s.book,
		set:           s.set,
		cfg:           s.cfg,
		logger:        s.logger.With(slog.String("component", "crawler")),
		gossipLimiter: rate.NewLimiter(rate.Limit(s.cfg.AddrGossipPerSecond), wire.MaxAddrPerMsg),
		pending:       make(map[netip.AddrPort]struct{}),
	}
}

func (c *crawler) run(ctx context.Context) {
	if err := c.reseed(ctx); err != nil {
		c.logger.Warn("Seed resolution incomplete", slog.Any("error", err))
	}

	crawl := time.NewTicker(c.cfg.CrawlInterval)
	defer crawl.Stop()
	getAddr := time.NewTicker(c.cfg.GetAddrInterval)
	defer getAddr.Stop()
	gossip := time.NewTicker(c.cfg.AddrGossipInterval)
	defer gossip.Stop()

	c.crawl(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-crawl.C:
			c.crawl(ctx)
		case <-c.set.Demand():
			c.crawl(ctx)
		case <-getAddr.C:
			c.requestAddresses()
		case <-gossip.C:
			c.gossipAddresses(c.server.now())
		}
	}
}

// crawl dials enough candidates to bring the pool back to MinPeers, at most
// MaxConcurrentDials at a time.
func (c *crawler) crawl(ctx context.Context) {
	needed := c.cfg.MinPeers - c.set.Len() - c.pendingCount()
	if needed <= 0 || ctx.Err() != nil {
		return
	}
	candidates := c.book.Sample(needed, c.skip)
	if len(candidates) == 0 {
		if err := c.reseed(ctx); err != nil {
			c.logger.Debug("Seed resolution incomplete", slog.Any("error", err))
		}
		candidates = c.book.Sample(needed, c.skip)
	}
	if len(candidates) == 0 {
		c.logger.Debug("No dial candidates", slog.Int("needed", needed))
		return
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentDials)
	for _, cand := range candidates {
		addr := cand.Addr
		if !c.reserve(addr) {
			continue
		}
		g.Go(func() error {
			defer c.unreserve(addr)
			if err := c.server.Connect(ctx, addr); err != nil && !errors.Is(err, errDuplicateConnection) {
				c.logger.Debug("Outbound dial failed",
					logging.MaskField("peer_address", addr.String()),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *crawler) skip(addr netip.AddrPort) bool {
	if c.set.Contains(addr) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[addr]
	return ok
}

func (c *crawler) reserve(addr netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[addr]; ok {
		return false
	}
	c.pending[addr] = struct{}{}
	return true
}

func (c *crawler) unreserve(addr netip.AddrPort) {
	c.mu.Lock()
	delete(c.pending, addr)
	c.mu.Unlock()
}

func (c *crawler) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// reseed resolves the initial peers into the address book.
func (c *crawler) reseed(ctx context.Context) error {
	list, err := seeds.Parse(c.cfg.InitialPeers, c.cfg.Network.DefaultPort())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	resolveCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	addrs, resolveErr := seeds.Resolve(resolveCtx, list, c.server.seedResolver())
	inserted := 0
	for _, addr := range addrs {
		if _, known := c.book.Get(addr); known {
			continue
		}
		if err := c.book.InsertOrUpdate(PeerAddress{Addr: addr, Services: wire.SFNodeNetwork}); err != nil {
			c.logger.Debug("Seed not admitted",
				logging.MaskField("peer_address", addr.String()),
				slog.Any("error", err))
			continue
		}
		inserted++
	}
	if inserted > 0 {
		c.logger.Info("Loaded seed peers", slog.Int("count", inserted))
	}
	return resolveErr
}

// requestAddresses asks a few connections that have not been asked yet for
// their addresses. Replies are merged by the connections' read loops.
func (c *crawler) requestAddresses() {
	for _, p := range c.set.sampleUsable(getAddrFanout) {
		if !p.askedAddr.CompareAndSwap(false, true) {
			continue
		}
		if err := p.trySend(&wire.MsgGetAddr{}); err != nil {
			p.askedAddr.Store(false)
		}
	}
}

// gossipAddresses advertises a sample of the book to a few connections. The
// token bucket caps how many addresses leave the node per second.
func (c *crawler) gossipAddresses(now time.Time) {
	addrs := c.book.Sanitized(defaultSanitizedLimit)
	if len(addrs) == 0 {
		return
	}
	granted := takeTokens(c.gossipLimiter, len(addrs), now)
	if granted == 0 {
		return
	}
	addrs = addrs[:granted]
	for _, p := range c.set.sampleUsable(gossipFanout) {
		if err := p.trySend(&wire.MsgAddr{AddrList: addrs}); err != nil {
			p.logger.Debug("Dropped address gossip", slog.Any("error", err))
		}
	}
}
