package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"chainnet/p2p/wire"
)

const readChunkSize = 32 * 1024

// frameError is a decode failure. consumed is the number of bytes the codec
// discarded; zero means the stream can no longer be resynchronized.
type frameError struct {
	err      error
	consumed int
}

func (e *frameError) Error() string { return e.err.Error() }

func (e *frameError) Unwrap() error { return e.err }

// frameReader buffers a byte stream and yields whole messages. Frames with
// unknown commands are skipped. The buffer carries over from the handshake to
// the connection's read loop so no bytes are lost between the two.
type frameReader struct {
	conn   net.Conn
	codec  *wire.Codec
	buf    []byte
	chunk  []byte
	onSkip func(command string)
}

func newFrameReader(conn net.Conn, codec *wire.Codec) *frameReader {
	return &frameReader{conn: conn, codec: codec, chunk: make([]byte, readChunkSize)}
}

func (r *frameReader) next() (wire.Message, error) {
	for {
		if len(r.buf) > 0 {
			msg, n, err := r.codec.Decode(r.buf)
			switch {
			case err == nil:
				r.consume(n)
				return msg, nil
			case errors.Is(err, wire.ErrNeedMoreData):
			case errors.Is(err, wire.ErrUnknownCommand):
				r.consume(n)
				if r.onSkip != nil {
					var me *wire.MessageError
					if errors.As(err, &me) {
						r.onSkip(me.Command)
					}
				}
				continue
			default:
				r.consume(n)
				return nil, &frameError{err: err, consumed: n}
			}
		}
		n, err := r.conn.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *frameReader) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(r.buf) {
		r.buf = r.buf[:0]
		return
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
}

// writeFrames encodes msgs into one buffer and writes it with a single call
// bounded by the context deadline.
func writeFrames(ctx context.Context, conn net.Conn, codec *wire.Codec, msgs []wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var out []byte
	for _, msg := range msgs {
		frame, err := codec.Encode(msg)
		if err != nil {
			return fmt.Errorf("encode %s: %w", msg.Command(), err)
		}
		out = append(out, frame...)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(out)
	return err
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
