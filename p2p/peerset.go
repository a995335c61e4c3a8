package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chainnet/p2p/wire"
)

const tracerName = "chainnet/p2p"

// PeerSet routes requests across the ready connections. It holds handles to
// the connection actors and never touches their sockets.
type PeerSet struct {
	cfg     Config
	logger  *slog.Logger
	metrics *networkMetrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	peers   map[string]*Peer
	byAddr  map[netip.AddrPort]*Peer
	changed chan struct{}
	demand  chan struct{}

	startedAt   time.Time
	lastReadyAt time.Time
}

func newPeerSet(cfg Config, logger *slog.Logger, metrics *networkMetrics, now func() time.Time) *PeerSet {
	return &PeerSet{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "peer_set")),
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		now:       now,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		peers:     make(map[string]*Peer),
		byAddr:    make(map[netip.AddrPort]*Peer),
		changed:   make(chan struct{}),
		demand:    make(chan struct{}, 1),
		startedAt: now(),
	}
}

// register makes a connection that completed its handshake visible to the
// router. A second connection to the same address is resolved in favor of
// the one whose initiator sent the smaller Version nonce, so both ends keep
// the same socket.
func (s *PeerSet) register(p *Peer) error {
	s.mu.Lock()
	existing := s.byAddr[p.canonical]
	if existing != nil && !preferConnection(p, existing) {
		s.mu.Unlock()
		return errDuplicateConnection
	}
	if existing == nil && p.direction == Inbound {
		inbound := 0
		for _, other := range s.peers {
			if other.direction == Inbound {
				inbound++
			}
		}
		if inbound >= s.cfg.MaxInbound || len(s.peers) >= s.cfg.MaxPeers {
			s.mu.Unlock()
			return ErrMaxConnections
		}
	}
	if existing != nil {
		delete(s.peers, existing.id)
		delete(s.byAddr, existing.canonical)
		existing.ready.Store(false)
	}
	s.peers[p.id] = p
	s.byAddr[p.canonical] = p
	p.ready.Store(true)
	s.lastReadyAt = s.now()
	s.notifyLocked()
	total := len(s.peers)
	s.mu.Unlock()

	if existing != nil {
		existing.close(errDuplicateConnection)
	}
	s.metrics.setPeerCounts(s.ReadyCount(), total)
	return nil
}

// preferConnection reports whether candidate should replace existing.
func preferConnection(candidate, existing *Peer) bool {
	return initiatorNonce(candidate) < initiatorNonce(existing)
}

func initiatorNonce(p *Peer) uint64 {
	if p.direction == Outbound {
		return p.localNonce
	}
	return p.remote.Nonce
}

// deregister removes p if it is still the registered handle for its id.
func (s *PeerSet) deregister(p *Peer) bool {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, p.id)
	if s.byAddr[p.canonical] == p {
		delete(s.byAddr, p.canonical)
	}
	s.notifyLocked()
	total := len(s.peers)
	s.mu.Unlock()

	ready := s.ReadyCount()
	s.metrics.setPeerCounts(ready, total)
	if ready < s.cfg.MinPeers {
		s.signalDemand()
	}
	return true
}

func (s *PeerSet) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *PeerSet) signalDemand() {
	select {
	case s.demand <- struct{}{}:
	default:
	}
}

// Demand fires when the ready count drops below the configured minimum.
func (s *PeerSet) Demand() <-chan struct{} {
	return s.demand
}

// acquire picks a ready connection with the power of two choices and
// reserves one in-flight slot on it. With no connections at all it fails at
// once; when every connection is saturated it waits for a release until ctx
// ends.
func (s *PeerSet) acquire(ctx context.Context) (*Peer, error) {
	for {
		now := s.now()
		s.mu.Lock()
		if len(s.peers) == 0 {
			s.mu.Unlock()
			return nil, ErrNoReadyPeers
		}
		candidates := s.readyLocked(now)
		if len(candidates) > 0 {
			p := s.pickLocked(candidates)
			p.inFlight.Add(1)
			s.mu.Unlock()
			return p, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ErrNoReadyPeers
		}
	}
}

func (s *PeerSet) pickLocked(candidates []*Peer) *Peer {
	if len(candidates) == 1 {
		return candidates[0]
	}
	i := s.rng.IntN(len(candidates))
	j := s.rng.IntN(len(candidates) - 1)
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]
	if b.inFlight.Load() < a.inFlight.Load() {
		return b
	}
	return a
}

func (s *PeerSet) release(p *Peer) {
	s.mu.Lock()
	p.inFlight.Add(-1)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *PeerSet) readyLocked(now time.Time) []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.isReady(now) {
			out = append(out, p)
		}
	}
	return out
}

// Call routes req and waits up to timeout for its response. A zero timeout
// uses the configured request timeout. Advertisements fan out to every ready
// connection; all other requests go to a single connection chosen by
// acquire. A connection that lets a request time out is evicted; retrying is
// left to the caller, whose next call lands on a different connection.
func (s *PeerSet) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrUnsupportedCall)
	}
	kind := req.kind()
	ctx, span := s.tracer.Start(ctx, "peerset."+kind, trace.WithAttributes(attribute.String("p2p.request", kind)))
	defer span.End()
	start := s.now()

	resp, err := s.call(ctx, req, timeout, span)
	result := "ok"
	if err != nil {
		result = requestResultLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	s.metrics.recordRequest(kind, result, s.now().Sub(start))
	return resp, err
}

func (s *PeerSet) call(ctx context.Context, req Request, timeout time.Duration, span trace.Span) (Response, error) {
	switch r := req.(type) {
	case AdvertiseBlock:
		return s.advertise(wire.NewInvVect(wire.InvTypeBlock, r.Hash))
	case AdvertiseTransaction:
		return s.advertise(wire.NewInvVect(wire.InvTypeTx, r.ID))
	}

	pr, msgs, immediate, err := newPendingRequest(req)
	if err != nil {
		return nil, err
	}
	if immediate != nil {
		return immediate, nil
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("p2p.peer_id", p.id))
	resp, err := p.request(ctx, pr, msgs)
	s.release(p)
	if errors.Is(err, ErrRequestTimeout) {
		if int(p.timeouts.Add(1)) >= s.cfg.RequestTimeoutEvictions {
			s.evict(p, "request_timeout", err)
		}
	}
	return resp, err
}

func (s *PeerSet) advertise(iv wire.InvVect) (Response, error) {
	if s.usableCount() == 0 {
		return nil, ErrNoReadyPeers
	}
	return AdvertisedResponse{Peers: s.broadcast(iv)}, nil
}

// broadcast queues an Inv for iv on every usable connection that has not
// already seen it and returns the number of connections reached.
func (s *PeerSet) broadcast(iv wire.InvVect) int {
	sent := 0
	for _, p := range s.usable() {
		if !p.markKnown(iv) {
			continue
		}
		if err := p.trySend(&wire.MsgInv{InvList: []wire.InvVect{iv}}); err != nil {
			p.forgetKnown(iv)
			p.logger.Debug("Dropped inventory advertisement", slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent
}

// evict closes p and removes it from the ready set.
func (s *PeerSet) evict(p *Peer, reason string, cause error) {
	s.metrics.recordEviction(reason)
	p.ready.Store(false)
	p.close(fmt.Errorf("evicted (%s): %w", reason, cause))
}

func requestResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoReadyPeers):
		return "no_ready_peers"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// ReadyCount reports how many connections can take a request right now.
func (s *PeerSet) ReadyCount() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readyLocked(now))
}

// Len reports the number of registered connections.
func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *PeerSet) usableCount() int {
	return len(s.usable())
}

func (s *PeerSet) usable() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.isUsable() {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether a connection to addr is registered.
func (s *PeerSet) Contains(addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byAddr[normalizeAddrPort(addr)]
	return ok
}

// Snapshot lists every registered connection, oldest first.
func (s *PeerSet) Snapshot() []PeerInfo {
	peers := s.all()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *PeerSet) all() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// sampleUsable returns up to n random usable connections.
func (s *PeerSet) sampleUsable(n int) []*Peer {
	peers := s.usable()
	s.mu.Lock()
	s.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	s.mu.Unlock()
	if len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// closeAll closes every registered connection.
func (s *PeerSet) closeAll(reason error) {
	for _, p := range s.all() {
		p.close(reason)
	}
}

// Health summarizes the pool for status endpoints.
type Health struct {
	Ready    int
	Total    int
	Degraded bool
	// Since is when the pool last had a ready connection, or when it started.
	Since time.Time
}

func (s *PeerSet) health(now time.Time) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := len(s.readyLocked(now))
	if ready > 0 {
		s.lastReadyAt = now
	}
	since := s.lastReadyAt
	if since.IsZero() {
		since = s.startedAt
	}
	return Health{
		Ready:    ready,
		Total:    len(s.peers),
		Degraded: ready == 0 && now.Sub(since) > s.cfg.DegradedAfter,
		Since:    since,
	}
}

// bookkeep prunes the pool down to MaxPeers and refreshes the gauges. It
// returns the resulting health.
func (s *PeerSet) bookkeep(now time.Time) Health {
	for {
		s.mu.Lock()
		excess := len(s.peers) - s.cfg.MaxPeers
		var victim *Peer
		if excess > 0 {
			victim = victimPeer(s.peers, now)
		}
		s.mu.Unlock()
		if victim == nil {
			break
		}
		s.logger.Info("Pruning peer over pool limit",
			slog.String("peer_id", victim.id),
			slog.Int("score", victim.score.value(now)),
			slog.Time("last_activity", victim.lastActive()))
		s.evict(victim, "pool_full", ErrMaxConnections)
	}
	h := s.health(now)
	s.metrics.setPeerCounts(h.Ready, h.Total)
	if h.Ready < s.cfg.MinPeers {
		s.signalDemand()
	}
	return h
}

// victimPeer picks the connection to drop: the highest misbehavior score,
// then the oldest activity, then inbound over outbound.
func victimPeer(peers map[string]*Peer, now time.Time) *Peer {
	var (
		victim      *Peer
		victimScore int
	)
	for _, p := range peers {
		score := p.score.value(now)
		if victim == nil {
			victim, victimScore = p, score
			continue
		}
		switch {
		case score > victimScore:
		case score < victimScore:
			continue
		case p.lastActive().Before(victim.lastActive()):
		case p.lastActive().After(victim.lastActive()):
			continue
		case p.direction == Inbound && victim.direction != Inbound:
		default:
			continue
		}
		victim, victimScore = p, score
	}
	return victim
}
