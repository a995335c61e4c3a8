package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"chainnet/p2p/wire"
)

// HandshakeState is the negotiation progress of one connection.
type HandshakeState uint8

const (
	StateStart HandshakeState = iota
	StateVersionSent
	StateAwaitingVersion
	StateAwaitingVerack
	StateReady
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateVersionSent:
		return "version_sent"
	case StateAwaitingVersion:
		return "awaiting_version"
	case StateAwaitingVerack:
		return "awaiting_verack"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type handshakePolicy struct {
	minVersion   uint32
	required     wire.ServiceFlag
	isLocalNonce func(uint64) bool
}

// handshake is the Version/Verack exchange as a pure state machine. It does
// no I/O: callers feed it received messages and write what it returns.
type handshake struct {
	outbound bool
	local    *wire.MsgVersion
	policy   handshakePolicy

	state      HandshakeState
	remote     *wire.MsgVersion
	gotVersion bool
	gotVerack  bool
	err        *HandshakeError
}

func newHandshake(outbound bool, local *wire.MsgVersion, policy handshakePolicy) *handshake {
	return &handshake{outbound: outbound, local: local, policy: policy, state: StateStart}
}

// start leaves the Start state. Outbound connections open with their
// Version; inbound ones wait for the remote's.
func (h *handshake) start() []wire.Message {
	if h.state != StateStart {
		return nil
	}
	if h.outbound {
		h.state = StateVersionSent
		return []wire.Message{h.local}
	}
	h.state = StateAwaitingVersion
	return nil
}

// receive advances the state machine and returns the messages to send in
// reply. Any error is terminal.
func (h *handshake) receive(msg wire.Message) ([]wire.Message, error) {
	switch h.state {
	case StateFailed:
		return nil, h.err
	case StateStart:
		return nil, h.fail(ProtocolViolation, "%s received before handshake start", msg.Command())
	case StateReady:
		return nil, h.fail(ProtocolViolation, "%s received after handshake completed", msg.Command())
	}

	switch m := msg.(type) {
	case *wire.MsgVersion:
		if h.gotVersion {
			return nil, h.fail(ProtocolViolation, "duplicate version")
		}
		if err := h.checkVersion(m); err != nil {
			return nil, err
		}
		h.gotVersion = true
		h.remote = m
		var out []wire.Message
		if !h.outbound {
			out = append(out, h.local)
		}
		out = append(out, &wire.MsgVerAck{})
		if h.gotVerack {
			h.state = StateReady
		} else {
			h.state = StateAwaitingVerack
		}
		return out, nil
	case *wire.MsgVerAck:
		if h.gotVerack {
			return nil, h.fail(ProtocolViolation, "duplicate verack")
		}
		// Inbound sides have not sent a Version yet, so nothing can be acked.
		if !h.outbound && !h.gotVersion {
			return nil, h.fail(ProtocolViolation, "verack before version")
		}
		h.gotVerack = true
		if h.gotVersion {
			h.state = StateReady
		} else {
			h.state = StateAwaitingVersion
		}
		return nil, nil
	case *wire.MsgReject:
		return nil, h.fail(IncompatiblePeer, "peer rejected %s: %s %s", m.Cmd, m.Code, m.Reason)
	default:
		return nil, h.fail(ProtocolViolation, "unexpected %s during handshake", msg.Command())
	}
}

func (h *handshake) checkVersion(m *wire.MsgVersion) error {
	if m.ProtocolVersion < h.policy.minVersion {
		return h.fail(IncompatiblePeer, "protocol version %d below minimum %d", m.ProtocolVersion, h.policy.minVersion)
	}
	if !m.Services.Has(h.policy.required) {
		return h.fail(IncompatiblePeer, "services %s missing required %s", m.Services, h.policy.required)
	}
	if h.policy.isLocalNonce != nil && h.policy.isLocalNonce(m.Nonce) {
		return h.fail(IncompatiblePeer, "connected to self")
	}
	return nil
}

func (h *handshake) fail(reason HandshakeFailure, format string, args ...any) *HandshakeError {
	h.state = StateFailed
	h.err = newHandshakeError(reason, format, args...)
	return h.err
}

func (h *handshake) failWith(reason HandshakeFailure, err error) *HandshakeError {
	h.state = StateFailed
	h.err = &HandshakeError{Reason: reason, Err: err}
	return h.err
}

type handshakeResult struct {
	remote     *wire.MsgVersion
	localNonce uint64
	reader     *frameReader
}

// performHandshake drives the state machine over conn until Ready, the
// handshake timeout, or the first violation.
func (s *Server) performHandshake(ctx context.Context, conn net.Conn, dir Direction) (_ *handshakeResult, err error) {
	nonce, err := s.nonces.next()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.nonces.forget(nonce)
		}
	}()
	hs := newHandshake(dir == Outbound, s.localVersion(conn, nonce), handshakePolicy{
		minVersion:   s.cfg.MinProtocolVersion,
		required:     s.cfg.RequiredServices,
		isLocalNonce: s.nonces.isLocal,
	})

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, hs.failWith(ProtocolViolation, err)
	}
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	reader := newFrameReader(conn, s.codec)
	if err := s.writeHandshake(ctx, conn, hs.start()); err != nil {
		return nil, classifyHandshakeIO(ctx, hs, err)
	}
	for hs.state != StateReady {
		msg, err := reader.next()
		if err != nil {
			return nil, classifyHandshakeIO(ctx, hs, err)
		}
		s.metrics.recordMessage("in", msg.Command())
		out, err := hs.receive(msg)
		if err != nil {
			return nil, err
		}
		if err := s.writeHandshake(ctx, conn, out); err != nil {
			return nil, classifyHandshakeIO(ctx, hs, err)
		}
	}
	return &handshakeResult{remote: hs.remote, localNonce: nonce, reader: reader}, nil
}

func (s *Server) writeHandshake(ctx context.Context, conn net.Conn, msgs []wire.Message) error {
	if err := writeFrames(ctx, conn, s.codec, msgs); err != nil {
		return err
	}
	for _, msg := range msgs {
		s.metrics.recordMessage("out", msg.Command())
	}
	return nil
}

func classifyHandshakeIO(ctx context.Context, hs *handshake, err error) error {
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("handshake aborted: %w", ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return hs.failWith(HandshakeTimeout, err)
	case errors.Is(err, wire.ErrMalformedFrame), errors.Is(err, wire.ErrPayloadTooLarge):
		return hs.failWith(ProtocolViolation, err)
	case errors.Is(err, io.EOF):
		return hs.failWith(ProtocolViolation, fmt.Errorf("connection closed during handshake: %w", err))
	default:
		return hs.failWith(ProtocolViolation, err)
	}
}

func (s *Server) localVersion(conn net.Conn, nonce uint64) *wire.MsgVersion {
	local := addrPortOf(conn.LocalAddr())
	ip := local.Addr()
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	var port uint16
	if listen := s.ListenAddr(); listen.IsValid() {
		port = listen.Port()
	}
	remote := addrPortOf(conn.RemoteAddr())
	if !remote.IsValid() {
		remote = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	me := wire.NewNetAddress(netip.AddrPortFrom(ip, port), s.cfg.Services, time.Time{})
	you := wire.NewNetAddress(remote, 0, time.Time{})
	msg := wire.NewMsgVersion(me, you, nonce, s.cfg.UserAgent, s.startHeight())
	msg.Timestamp = time.Unix(s.now().Unix(), 0)
	return msg
}

func (s *Server) startHeight() int32 {
	if h, ok := s.chain.(interface{ BestHeight() int32 }); ok {
		return h.BestHeight()
	}
	return 0
}
