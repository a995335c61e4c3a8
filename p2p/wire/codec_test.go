package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func sampleAddr(t *testing.T, s string) NetAddress {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return NetAddress{Services: SFNodeNetwork, Addr: ap}
}

func sampleBlock() []byte {
	block := make([]byte, BlockHeaderPrefixLen+40)
	for i := range block {
		block[i] = byte(i)
	}
	return block
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(Testnet, 0)
	hash := chainhash.DoubleHashH([]byte("item"))
	recv := sampleAddr(t, "203.0.113.7:18233")
	from := sampleAddr(t, "[2001:db8::1]:18233")
	gossip := sampleAddr(t, "198.51.100.4:18233")
	gossip.Timestamp = time.Unix(1_700_000_000, 0)

	messages := []Message{
		&MsgVersion{
			ProtocolVersion: ProtocolVersion,
			Services:        SFNodeNetwork,
			Timestamp:       time.Unix(1_700_000_123, 0),
			AddrRecv:        recv,
			AddrFrom:        from,
			Nonce:           0xdeadbeef,
			UserAgent:       "/chainnet:0.1.0/",
			StartHeight:     2_000_000,
			Relay:           true,
		},
		&MsgVerAck{},
		&MsgPing{Nonce: 42},
		&MsgPong{Nonce: 42},
		&MsgAddr{AddrList: []*NetAddress{&gossip}},
		&MsgGetAddr{},
		&MsgInv{InvList: []InvVect{NewInvVect(InvTypeBlock, hash)}},
		&MsgGetData{InvList: []InvVect{NewInvVect(InvTypeTx, hash), NewInvVect(InvTypeBlock, hash)}},
		&MsgNotFound{InvList: []InvVect{NewInvVect(InvTypeTx, hash)}},
		&MsgBlock{Payload: sampleBlock()},
		&MsgTx{Payload: []byte{0x01, 0x02, 0x03}},
		&MsgReject{Cmd: CmdTx, Code: RejectDuplicate, Reason: "txn-already-known", Data: hash[:]},
		&MsgMempool{},
		&MsgAlert{Payload: []byte("legacy")},
	}

	for _, msg := range messages {
		t.Run(msg.Command(), func(t *testing.T) {
			frame, err := codec.Encode(msg)
			require.NoError(t, err)

			decoded, n, err := codec.Decode(frame)
			require.NoError(t, err)
			require.Equal(t, len(frame), n)
			require.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeNeedsMoreData(t *testing.T) {
	codec := NewCodec(Mainnet, 0)
	frame, err := codec.Encode(&MsgPing{Nonce: 7})
	require.NoError(t, err)

	for cut := 0; cut < len(frame); cut++ {
		msg, n, err := codec.Decode(frame[:cut])
		require.ErrorIs(t, err, ErrNeedMoreData, "cut at %d", cut)
		require.Nil(t, msg)
		require.Zero(t, n)
	}

	// A second frame in the same buffer is left untouched.
	stream := append(append([]byte{}, frame...), frame[:10]...)
	msg, n, err := codec.Decode(stream)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, &MsgPing{Nonce: 7}, msg)
	_, _, err = codec.Decode(stream[n:])
	require.ErrorIs(t, err, ErrNeedMoreData)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	codec := NewCodec(Mainnet, 0)
	frame, err := codec.Encode(&MsgTx{Payload: []byte("payload bytes")})
	require.NoError(t, err)

	for i := 20; i < 24; i++ {
		corrupt := append([]byte{}, frame...)
		corrupt[i] ^= 0xff
		corrupt = append(corrupt, 0xaa, 0xbb)

		msg, n, err := codec.Decode(corrupt)
		require.ErrorIs(t, err, ErrMalformedFrame)
		require.Nil(t, msg)
		require.Equal(t, len(frame), n)
	}
}

func TestDecodeForeignMagic(t *testing.T) {
	frame, err := NewCodec(Testnet, 0).Encode(&MsgVerAck{})
	require.NoError(t, err)

	_, n, err := NewCodec(Mainnet, 0).Decode(frame)
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.Zero(t, n)
}

func TestDecodeUnknownCommandIsSkippable(t *testing.T) {
	codec := NewCodec(Mainnet, 0)
	payload := []byte("filterload body")
	frame := rawFrame(Mainnet, "filterload", payload)
	next, err := codec.Encode(&MsgPing{Nonce: 9})
	require.NoError(t, err)

	stream := append(frame, next...)
	_, n, err := codec.Decode(stream)
	require.ErrorIs(t, err, ErrUnknownCommand)
	require.Equal(t, len(frame), n)

	var msgErr *MessageError
	require.True(t, errors.As(err, &msgErr))
	require.Equal(t, "filterload", msgErr.Command)

	msg, _, err := codec.Decode(stream[n:])
	require.NoError(t, err)
	require.Equal(t, &MsgPing{Nonce: 9}, msg)
}

func TestDecodePayloadTooLarge(t *testing.T) {
	const limit = 1024
	codec := NewCodec(Mainnet, limit)

	header := rawFrame(Mainnet, CmdTx, nil)[:HeaderSize]
	binary.LittleEndian.PutUint32(header[16:20], limit+1)

	msg, n, err := codec.Decode(header)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Nil(t, msg)
	require.Equal(t, HeaderSize, n)

	_, err = codec.Encode(&MsgTx{Payload: make([]byte, limit+1)})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeRejectsBadCommandPadding(t *testing.T) {
	frame := rawFrame(Mainnet, CmdPing, make([]byte, 8))
	frame[4+len(CmdPing)+1] = 'x'

	_, n, err := NewCodec(Mainnet, 0).Decode(frame)
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.Zero(t, n)
}

func TestDecodeRejectsTrailingPayload(t *testing.T) {
	frame := rawFrame(Mainnet, CmdVerAck, []byte{0x00})

	_, n, err := NewCodec(Mainnet, 0).Decode(frame)
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.Equal(t, len(frame), n)
}

func TestDecodeRejectsOversizedAddr(t *testing.T) {
	var payload bytes.Buffer
	require.NoError(t, WriteVarInt(&payload, MaxAddrPerMsg+1))
	frame := rawFrame(Mainnet, CmdAddr, payload.Bytes())

	_, _, err := NewCodec(Mainnet, 0).Decode(frame)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestVersionWithoutRelayFlag(t *testing.T) {
	codec := NewCodec(Mainnet, 0)
	version := &MsgVersion{
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Unix(1_600_000_000, 0),
		AddrRecv:        sampleAddr(t, "192.0.2.1:8233"),
		AddrFrom:        sampleAddr(t, "192.0.2.2:8233"),
		UserAgent:       "/old:1.0/",
	}
	var payload bytes.Buffer
	require.NoError(t, version.encode(&payload))
	trimmed := payload.Bytes()[:payload.Len()-1]

	msg, _, err := codec.Decode(rawFrame(Mainnet, CmdVersion, trimmed))
	require.NoError(t, err)
	require.False(t, msg.(*MsgVersion).Relay)
}

func TestBlockAndTxHashes(t *testing.T) {
	block := &MsgBlock{Payload: sampleBlock()}
	require.Equal(t, chainhash.DoubleHashH(block.Payload[:BlockHeaderPrefixLen]), block.BlockHash())

	tx := &MsgTx{Payload: []byte("tx")}
	require.Equal(t, chainhash.DoubleHashH([]byte("tx")), tx.TxHash())

	_, err := NewCodec(Mainnet, 0).Encode(&MsgBlock{Payload: make([]byte, 10)})
	require.Error(t, err)
}

func rawFrame(net Network, command string, payload []byte) []byte {
	magic := net.Magic()
	frame := make([]byte, HeaderSize+len(payload))
	copy(frame[0:4], magic[:])
	copy(frame[4:16], command)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(payload)))
	copy(frame[20:24], checksum(payload))
	copy(frame[HeaderSize:], payload)
	return frame
}
