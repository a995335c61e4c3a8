package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"chainnet/observability/logging"
	"chainnet/p2p/wire"
)

const (
	// A connection gets getAddrBurst full address replies, then one more
	// per getAddrRefill.
	getAddrBurst  = 2
	getAddrRefill = time.Minute
)

// Peer is the actor owning one live connection. Its read loop decodes and
// dispatches inbound frames; its write loop is the only writer to the socket.
type Peer struct {
	id        string
	conn      net.Conn
	addr      netip.AddrPort
	canonical netip.AddrPort
	direction Direction
	remote    *wire.MsgVersion
	// localNonce is the nonce of the Version this node sent.
	localNonce  uint64
	connectedAt time.Time

	server *Server
	cfg    Config
	reader *frameReader
	logger *slog.Logger

	outbound chan wire.Message

	knownMu sync.Mutex
	known   *expirable.LRU[wire.InvVect, struct{}]

	score          *banScore
	msgLimiter     *rate.Limiter
	addrLimiter    *rate.Limiter
	getAddrLimiter *rate.Limiter

	ready        atomic.Bool
	banned       atomic.Bool
	inFlight     atomic.Int32
	timeouts     atomic.Int32
	lastActivity atomic.Int64
	askedAddr    atomic.Bool

	mu         sync.Mutex
	pending    []*pendingRequest
	pingNonce  uint64
	pingSentAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(s *Server, conn net.Conn, dir Direction, dialed netip.AddrPort, hs *handshakeResult) *Peer {
	ctx, cancel := context.WithCancel(s.ctx)
	now := s.now()
	addr := addrPortOf(conn.RemoteAddr())
	canonical := dialed
	if dir == Inbound {
		port := hs.remote.AddrFrom.Addr.Port()
		if port == 0 {
			port = addr.Port()
		}
		canonical = netip.AddrPortFrom(addr.Addr(), port)
	}
	id := uuid.NewString()
	p := &Peer{
		id:             id,
		conn:           conn,
		addr:           addr,
		canonical:      normalizeAddrPort(canonical),
		direction:      dir,
		remote:         hs.remote,
		localNonce:     hs.localNonce,
		connectedAt:    now,
		server:         s,
		cfg:            s.cfg,
		reader:         hs.reader,
		outbound:       make(chan wire.Message, s.cfg.OutboundQueueSize),
		known:          expirable.NewLRU[wire.InvVect, struct{}](s.cfg.KnownInventorySize, nil, s.cfg.KnownInventoryTTL),
		score:          newBanScore(s.cfg.ScoreHalfLife, now),
		msgLimiter:     newMessageLimiter(s.cfg.MessagesPerSecond, s.cfg.MessageBurst),
		addrLimiter:    newMessageLimiter(s.cfg.AddrPerSecond, wire.MaxAddrPerMsg),
		getAddrLimiter: rate.NewLimiter(rate.Every(getAddrRefill), getAddrBurst),
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
	p.logger = s.logger.With(
		slog.String("peer_id", id),
		logging.MaskField("peer_address", p.canonical.String()),
		slog.String("direction", dir.String()),
	)
	p.reader.onSkip = func(command string) {
		s.metrics.recordMessage("in", "unknown")
		p.logger.Debug("Skipped unknown command", slog.String("command", command))
	}
	p.touch(now)
	return p
}

// ID returns the session identifier of the connection.
func (p *Peer) ID() string { return p.id }

// Addr returns the address-book identity of the connection.
func (p *Peer) Addr() netip.AddrPort { return p.canonical }

// Info returns a snapshot of the connection's state.
func (p *Peer) Info() PeerInfo {
	now := p.server.now()
	return PeerInfo{
		ID:              p.id,
		Addr:            p.canonical,
		Direction:       p.direction,
		ProtocolVersion: p.remote.ProtocolVersion,
		Services:        p.remote.Services,
		UserAgent:       p.remote.UserAgent,
		StartHeight:     p.remote.StartHeight,
		ConnectedAt:     p.connectedAt,
		LastActivity:    time.Unix(0, p.lastActivity.Load()),
		InFlight:        int(p.inFlight.Load()),
		Misbehavior:     p.score.value(now),
		Ready:           p.isReady(now),
	}
}

// isReady reports whether the router may hand this connection a request.
func (p *Peer) isReady(now time.Time) bool {
	return p.isUsable() &&
		int(p.inFlight.Load()) < p.cfg.MaxInFlight &&
		p.score.value(now) < p.cfg.BanThreshold
}

// isUsable reports a registered connection that has not started closing.
func (p *Peer) isUsable() bool {
	if !p.ready.Load() {
		return false
	}
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

func (p *Peer) touch(now time.Time) {
	p.lastActivity.Store(now.UnixNano())
}

func (p *Peer) lastActive() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

func (p *Peer) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLoop()
	}()
	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
	wg.Wait()
}

// send queues msg, blocking while the queue is full.
func (p *Peer) send(msg wire.Message) error {
	return p.sendCtx(p.ctx, msg)
}

func (p *Peer) sendCtx(ctx context.Context, msg wire.Message) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	select {
	case p.outbound <- msg:
		return nil
	case <-p.closed:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues msg without waiting.
func (p *Peer) trySend(msg wire.Message) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	select {
	case p.outbound <- msg:
		return nil
	case <-p.closed:
		return ErrPeerClosed
	default:
		return errQueueFull
	}
}

// markKnown records iv as seen by the remote side and reports whether it was
// new.
func (p *Peer) markKnown(iv wire.InvVect) bool {
	p.knownMu.Lock()
	defer p.knownMu.Unlock()
	if p.known.Contains(iv) {
		return false
	}
	p.known.Add(iv, struct{}{})
	return true
}

func (p *Peer) forgetKnown(iv wire.InvVect) {
	p.known.Remove(iv)
}

// close is the single terminal transition of the connection.
func (p *Peer) close(reason error) {
	p.closeOnce.Do(func() {
		p.ready.Store(false)
		p.cancel()
		_ = p.conn.Close()
		close(p.closed)
		p.failPending(ErrPeerClosed)
		p.server.peerClosed(p, reason)
	})
}

// Done is closed once the connection has shut down.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// penalize adds the violation's penalty and closes the connection once the
// score reaches the ban threshold. It reports whether the connection closed.
func (p *Peer) penalize(v violation, cause error) bool {
	now := p.server.now()
	score := p.score.add(p.cfg.Penalties.forViolation(v), now)
	p.logger.Debug("Peer misbehavior",
		slog.String("violation", v.String()),
		slog.Int("score", score),
		slog.Uint64("incidents", p.score.incidentCount()),
		slog.Any("error", cause))
	if score < p.cfg.BanThreshold {
		return false
	}
	p.banned.Store(true)
	p.close(fmt.Errorf("%w (%s, score %d): %w", ErrBanned, v, score, cause))
	return true
}

func (p *Peer) readLoop() {
	for {
		msg, err := p.reader.next()
		if err != nil {
			if p.handleReadError(err) {
				continue
			}
			return
		}
		now := p.server.now()
		p.touch(now)
		p.server.metrics.recordMessage("in", msg.Command())
		if !p.msgLimiter.AllowN(now, 1) {
			if p.penalize(violationRateLimited, fmt.Errorf("message rate exceeded on %s", msg.Command())) {
				return
			}
			continue
		}
		if err := p.handleMessage(msg); err != nil {
			p.close(err)
			return
		}
		select {
		case <-p.closed:
			return
		default:
		}
	}
}

// handleReadError reports whether the read loop may continue.
func (p *Peer) handleReadError(err error) bool {
	var fe *frameError
	if !errors.As(err, &fe) {
		p.close(fmt.Errorf("read: %w", err))
		return false
	}
	switch {
	case errors.Is(err, wire.ErrPayloadTooLarge):
		p.penalize(violationOversized, err)
		p.close(err)
		return false
	case fe.consumed == 0:
		p.penalize(violationMalformed, err)
		p.close(err)
		return false
	default:
		return !p.penalize(violationMalformed, err)
	}
}

func (p *Peer) handleMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgPing:
		return p.ignoreClosed(p.send(&wire.MsgPong{Nonce: m.Nonce}))
	case *wire.MsgPong:
		p.handlePong(m)
	case *wire.MsgVersion, *wire.MsgVerAck:
		p.penalize(violationProtocol, fmt.Errorf("%s after handshake", msg.Command()))
	case *wire.MsgAddr:
		p.handleAddr(m)
	case *wire.MsgGetAddr:
		return p.handleGetAddr()
	case *wire.MsgInv:
		p.handleInv(m)
	case *wire.MsgGetData:
		return p.handleGetData(m)
	case *wire.MsgNotFound:
		p.handleNotFound(m)
	case *wire.MsgBlock:
		p.handleBlock(m)
	case *wire.MsgTx:
		p.handleTx(m)
	case *wire.MsgMempool:
		return p.handleMempool()
	case *wire.MsgReject:
		p.logger.Debug("Peer rejected message",
			slog.String("command", m.Cmd),
			slog.String("code", m.Code.String()),
			slog.String("reason", m.Reason))
	case *wire.MsgAlert:
	}
	return nil
}

func (p *Peer) ignoreClosed(err error) error {
	if errors.Is(err, ErrPeerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Peer) handlePong(m *wire.MsgPong) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pingNonce != 0 && m.Nonce == p.pingNonce {
		p.pingNonce = 0
	}
}

func (p *Peer) handleAddr(m *wire.MsgAddr) {
	now := p.server.now()
	list := m.AddrList
	if granted := takeTokens(p.addrLimiter, len(list), now); granted < len(list) {
		if p.penalize(violationAddrFlood, fmt.Errorf("addr rate exceeded: %d of %d accepted", granted, len(list))) {
			return
		}
		list = list[:granted]
	}

	p.mu.Lock()
	for _, pr := range p.pending {
		if r, ok := pr.req.(PeersRequest); ok && !pr.finished {
			addrs := list
			if r.Count > 0 && len(addrs) > r.Count {
				addrs = addrs[:r.Count]
			}
			pr.finish(PeersResponse{Addrs: addrs}, nil)
			break
		}
	}
	p.removeFinishedLocked()
	p.mu.Unlock()

	if len(list) == 0 {
		return
	}
	added, err := p.server.book.MergeGossip(p.addr.Addr(), list)
	if err != nil && !errors.Is(err, ErrAddrBookFull) {
		p.logger.Warn("Failed to merge gossiped addresses", slog.Any("error", err))
	}
	if added > 0 {
		p.logger.Debug("Merged gossiped addresses", slog.Int("added", added), slog.Int("received", len(list)))
	}
}

// handleGetAddr always replies so the remote's request completes. Requests
// beyond the getaddr budget get an empty list.
func (p *Peer) handleGetAddr() error {
	var addrs []*wire.NetAddress
	if p.getAddrLimiter.AllowN(p.server.now(), 1) {
		addrs = p.server.book.Sanitized(defaultSanitizedLimit)
	} else {
		p.logger.Debug("Throttled repeated getaddr")
	}
	return p.ignoreClosed(p.send(&wire.MsgAddr{AddrList: addrs}))
}

func (p *Peer) handleInv(m *wire.MsgInv) {
	if allOfType(m.InvList, wire.InvTypeTx) && p.deliverMempoolChunk(m.InvList) {
		for _, iv := range m.InvList {
			p.markKnown(iv)
		}
		return
	}

	fresh := make([]wire.InvVect, 0, len(m.InvList))
	for _, iv := range m.InvList {
		if !p.markKnown(iv) {
			continue
		}
		if p.server.haveItem(iv) {
			continue
		}
		fresh = append(fresh, iv)
	}
	if len(fresh) > 0 {
		p.server.handler.HandleInventory(p.Info(), fresh)
	}
}

// deliverMempoolChunk feeds a transaction inventory to the oldest mempool
// request whose mempool message is on the wire. A chunk shorter than
// MaxInvPerMsg ends the reply. An announcement that arrives in that window is
// indistinguishable from the reply and is taken as part of it.
func (p *Peer) deliverMempoolChunk(items []wire.InvVect) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.pending {
		if _, ok := pr.req.(MempoolTransactionIDs); !ok || pr.finished || !pr.sent {
			continue
		}
		for _, iv := range items {
			pr.ids = append(pr.ids, iv.Hash)
		}
		if len(items) < wire.MaxInvPerMsg {
			pr.finish(TransactionIDsResponse{IDs: pr.ids}, nil)
			p.removeFinishedLocked()
		}
		return true
	}
	return false
}

// markMempoolSent flags the oldest mempool request still waiting for its
// message to go out.
func (p *Peer) markMempoolSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.pending {
		if _, ok := pr.req.(MempoolTransactionIDs); ok && !pr.finished && !pr.sent {
			pr.sent = true
			return
		}
	}
}

func (p *Peer) handleGetData(m *wire.MsgGetData) error {
	provider := p.server.provider
	var notFound []wire.InvVect
	for _, iv := range m.InvList {
		var reply wire.Message
		if provider != nil {
			switch iv.Type {
			case wire.InvTypeBlock:
				if block, ok := provider.Block(iv.Hash); ok {
					reply = block
				}
			case wire.InvTypeTx:
				if tx, ok := provider.Transaction(iv.Hash); ok {
					reply = tx
				}
			}
		}
		if reply == nil {
			notFound = append(notFound, iv)
			continue
		}
		p.markKnown(iv)
		if err := p.send(reply); err != nil {
			return p.ignoreClosed(err)
		}
	}
	if len(notFound) == 0 {
		return nil
	}
	return p.ignoreClosed(p.send(&wire.MsgNotFound{InvList: notFound}))
}

func (p *Peer) handleNotFound(m *wire.MsgNotFound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.pending {
		if pr.finished || !pr.acceptNotFound(m.InvList) {
			continue
		}
		if pr.complete() {
			pr.finish(pr.itemResponse(), nil)
		}
	}
	p.removeFinishedLocked()
}

func (p *Peer) handleMempool() error {
	var ids []wire.Hash
	if p.server.provider != nil {
		ids = p.server.provider.MempoolTransactionIDs()
	}
	for start := 0; ; start += wire.MaxInvPerMsg {
		end := start + wire.MaxInvPerMsg
		if end > len(ids) {
			end = len(ids)
		}
		inv := &wire.MsgInv{InvList: make([]wire.InvVect, 0, end-start)}
		for _, id := range ids[start:end] {
			iv := wire.NewInvVect(wire.InvTypeTx, id)
			p.markKnown(iv)
			inv.InvList = append(inv.InvList, iv)
		}
		if err := p.send(inv); err != nil {
			return p.ignoreClosed(err)
		}
		// A full chunk tells the requester more follow, so a mempool that
		// fills whole chunks ends with an empty one.
		if end-start < wire.MaxInvPerMsg {
			return nil
		}
	}
}

func (p *Peer) handleBlock(m *wire.MsgBlock) {
	hash := m.BlockHash()
	p.markKnown(wire.NewInvVect(wire.InvTypeBlock, hash))
	if p.deliver(func(pr *pendingRequest) bool { return pr.acceptBlock(m) }) {
		return
	}
	if p.server.chain.HaveBlock(hash) {
		p.penalize(violationDuplicate, fmt.Errorf("duplicate block %s", hash))
		return
	}
	if p.penalize(violationUnsolicited, fmt.Errorf("unsolicited block %s", hash)) {
		return
	}
	if err := p.server.handler.HandleBlock(p.ctx, p.Info(), m); err != nil {
		p.handleHandlerError("block", err)
	}
}

func (p *Peer) handleTx(m *wire.MsgTx) {
	id := m.TxHash()
	p.markKnown(wire.NewInvVect(wire.InvTypeTx, id))
	if p.deliver(func(pr *pendingRequest) bool { return pr.acceptTx(m) }) {
		return
	}
	if p.server.chain.HaveTx(id) {
		p.penalize(violationDuplicate, fmt.Errorf("duplicate transaction %s", id))
		return
	}
	if p.penalize(violationUnsolicited, fmt.Errorf("unsolicited transaction %s", id)) {
		return
	}
	if err := p.server.handler.HandleTx(p.ctx, p.Info(), m); err != nil {
		p.handleHandlerError("transaction", err)
	}
}

func (p *Peer) handleHandlerError(kind string, err error) {
	if IsInvalidPayload(err) {
		p.penalize(violationInvalidPayload, err)
		return
	}
	p.logger.Warn("Inbound handler failed", slog.String("kind", kind), slog.Any("error", err))
}

// deliver hands an item to the first pending request that accepts it.
func (p *Peer) deliver(accept func(*pendingRequest) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.pending {
		if pr.finished || !accept(pr) {
			continue
		}
		if pr.complete() {
			pr.finish(pr.itemResponse(), nil)
		}
		p.removeFinishedLocked()
		return true
	}
	return false
}

func (p *Peer) removeFinishedLocked() {
	kept := p.pending[:0]
	for _, pr := range p.pending {
		if !pr.finished {
			kept = append(kept, pr)
		}
	}
	for i := len(kept); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = kept
}

// request sends the messages for pr and waits for the correlated reply.
func (p *Peer) request(ctx context.Context, pr *pendingRequest, msgs []wire.Message) (Response, error) {
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return nil, ErrPeerClosed
	default:
	}
	p.pending = append(p.pending, pr)
	p.mu.Unlock()

	for _, msg := range msgs {
		if gd, ok := msg.(*wire.MsgGetData); ok {
			for _, iv := range gd.InvList {
				p.markKnown(iv)
			}
		}
		if err := p.sendCtx(ctx, msg); err != nil {
			p.abandon(pr)
			return nil, requestError(err)
		}
	}

	select {
	case res := <-pr.result:
		return res.resp, res.err
	case <-ctx.Done():
		p.abandon(pr)
		return nil, requestError(ctx.Err())
	}
}

func requestError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return err
}

func (p *Peer) abandon(pr *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr.finished = true
	p.removeFinishedLocked()
}

func (p *Peer) failPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.pending {
		pr.finish(nil, err)
	}
	p.pending = nil
}

func (p *Peer) writeLoop() {
	tick := p.cfg.PingInterval
	if p.cfg.PingTimeout < tick {
		tick = p.cfg.PingTimeout
	}
	ticker := time.NewTicker(tick / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.close(ErrServerStopped)
			return
		case msg := <-p.outbound:
			if _, ok := msg.(*wire.MsgMempool); ok {
				p.markMempoolSent()
			}
			if err := p.writeMessage(msg); err != nil {
				p.close(fmt.Errorf("write %s: %w", msg.Command(), err))
				return
			}
		case <-ticker.C:
			if err := p.keepalive(p.server.now()); err != nil {
				p.close(err)
				return
			}
		}
	}
}

// keepalive pings an idle connection and fails one whose ping went
// unanswered for PingTimeout.
func (p *Peer) keepalive(now time.Time) error {
	p.mu.Lock()
	if p.pingNonce != 0 {
		overdue := now.Sub(p.pingSentAt) > p.cfg.PingTimeout
		p.mu.Unlock()
		if overdue {
			return ErrPingTimeout
		}
		return nil
	}
	if now.Sub(p.lastActive()) < p.cfg.PingInterval {
		p.mu.Unlock()
		return nil
	}
	nonce := rand.Uint64() | 1
	p.pingNonce = nonce
	p.pingSentAt = now
	p.mu.Unlock()
	return p.writeMessage(&wire.MsgPing{Nonce: nonce})
}

func (p *Peer) writeMessage(msg wire.Message) error {
	frame, err := p.server.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := p.conn.Write(frame); err != nil {
		return err
	}
	p.touch(p.server.now())
	p.server.metrics.recordMessage("out", msg.Command())
	return nil
}

func allOfType(list []wire.InvVect, typ wire.InvType) bool {
	for _, iv := range list {
		if iv.Type != typ {
			return false
		}
	}
	return true
}
