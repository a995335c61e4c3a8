package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Commands of the closed message set.
const (
	CmdVersion  = "version"
	CmdVerAck   = "verack"
	CmdPing     = "ping"
	CmdPong     = "pong"
	CmdAddr     = "addr"
	CmdGetAddr  = "getaddr"
	CmdInv      = "inv"
	CmdGetData  = "getdata"
	CmdNotFound = "notfound"
	CmdBlock    = "block"
	CmdTx       = "tx"
	CmdReject   = "reject"
	CmdMempool  = "mempool"
	CmdAlert    = "alert"
)

const (
	// MaxAddrPerMsg bounds the entries of a single Addr message.
	MaxAddrPerMsg = 1000

	// BlockHeaderPrefixLen is the number of leading block bytes hashed to
	// identify the block.
	BlockHeaderPrefixLen = 80

	// MaxRejectReasonLen bounds the human readable reason in Reject messages.
	MaxRejectReasonLen = 111

	netAddressSize      = 8 + 16 + 2
	timedNetAddressSize = 4 + netAddressSize
)

// Message is one decoded protocol message. The set of implementations is
// closed; anything else on the wire surfaces as ErrUnknownCommand.
type Message interface {
	Command() string

	encode(w io.Writer) error
	decode(r *bytes.Reader) error
	maxPayloadLength() uint32
}

func makeEmptyMessage(command string) Message {
	switch command {
	case CmdVersion:
		return &MsgVersion{}
	case CmdVerAck:
		return &MsgVerAck{}
	case CmdPing:
		return &MsgPing{}
	case CmdPong:
		return &MsgPong{}
	case CmdAddr:
		return &MsgAddr{}
	case CmdGetAddr:
		return &MsgGetAddr{}
	case CmdInv:
		return &MsgInv{}
	case CmdGetData:
		return &MsgGetData{}
	case CmdNotFound:
		return &MsgNotFound{}
	case CmdBlock:
		return &MsgBlock{}
	case CmdTx:
		return &MsgTx{}
	case CmdReject:
		return &MsgReject{}
	case CmdMempool:
		return &MsgMempool{}
	case CmdAlert:
		return &MsgAlert{}
	default:
		return nil
	}
}

// MsgVersion opens the handshake in each direction.
type MsgVersion struct {
	ProtocolVersion uint32
	Services        ServiceFlag
	Timestamp       time.Time
	AddrRecv        NetAddress
	AddrFrom        NetAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

// NewMsgVersion builds a Version message stamped with the current time.
func NewMsgVersion(me, you *NetAddress, nonce uint64, userAgent string, startHeight int32) *MsgVersion {
	return &MsgVersion{
		ProtocolVersion: ProtocolVersion,
		Services:        me.Services,
		Timestamp:       time.Unix(time.Now().Unix(), 0),
		AddrRecv:        *you,
		AddrFrom:        *me,
		Nonce:           nonce,
		UserAgent:       userAgent,
		StartHeight:     startHeight,
		Relay:           true,
	}
}

func (m *MsgVersion) Command() string { return CmdVersion }

func (m *MsgVersion) maxPayloadLength() uint32 {
	return 4 + 8 + 8 + 2*netAddressSize + 8 + uint32(VarIntSerializeSize(MaxUserAgentLen)) + MaxUserAgentLen + 4 + 1
}

func (m *MsgVersion) encode(w io.Writer) error {
	if len(m.UserAgent) > MaxUserAgentLen {
		return fmt.Errorf("user agent %d bytes, max %d", len(m.UserAgent), MaxUserAgentLen)
	}
	if err := writeUint32(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.Services)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.Timestamp.Unix())); err != nil {
		return err
	}
	if err := writeNetAddress(w, &m.AddrRecv, false); err != nil {
		return err
	}
	if err := writeNetAddress(w, &m.AddrFrom, false); err != nil {
		return err
	}
	if err := writeUint64(w, m.Nonce); err != nil {
		return err
	}
	if err := WriteVarString(w, m.UserAgent); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(m.StartHeight)); err != nil {
		return err
	}
	relay := byte(0)
	if m.Relay {
		relay = 1
	}
	_, err := w.Write([]byte{relay})
	return err
}

func (m *MsgVersion) decode(r *bytes.Reader) error {
	var err error
	if m.ProtocolVersion, err = readUint32(r); err != nil {
		return err
	}
	services, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Services = ServiceFlag(services)
	ts, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Timestamp = time.Unix(int64(ts), 0)
	if err := readNetAddress(r, &m.AddrRecv, false); err != nil {
		return err
	}
	if err := readNetAddress(r, &m.AddrFrom, false); err != nil {
		return err
	}
	if m.Nonce, err = readUint64(r); err != nil {
		return err
	}
	if m.UserAgent, err = ReadVarString(r, MaxUserAgentLen, "user agent"); err != nil {
		return err
	}
	height, err := readUint32(r)
	if err != nil {
		return err
	}
	m.StartHeight = int32(height)
	// Old peers omit the relay flag entirely.
	if r.Len() == 0 {
		m.Relay = false
		return nil
	}
	relay, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Relay = relay != 0
	return nil
}

// MsgVerAck acknowledges the remote Version.
type MsgVerAck struct{}

func (m *MsgVerAck) Command() string            { return CmdVerAck }
func (m *MsgVerAck) maxPayloadLength() uint32   { return 0 }
func (m *MsgVerAck) encode(io.Writer) error     { return nil }
func (m *MsgVerAck) decode(*bytes.Reader) error { return nil }

// MsgPing is a keepalive check answered by a Pong carrying the same nonce.
type MsgPing struct {
	Nonce uint64
}

func (m *MsgPing) Command() string          { return CmdPing }
func (m *MsgPing) maxPayloadLength() uint32 { return 8 }
func (m *MsgPing) encode(w io.Writer) error { return writeUint64(w, m.Nonce) }

func (m *MsgPing) decode(r *bytes.Reader) error {
	var err error
	m.Nonce, err = readUint64(r)
	return err
}

// MsgPong answers a Ping.
type MsgPong struct {
	Nonce uint64
}

func (m *MsgPong) Command() string          { return CmdPong }
func (m *MsgPong) maxPayloadLength() uint32 { return 8 }
func (m *MsgPong) encode(w io.Writer) error { return writeUint64(w, m.Nonce) }

func (m *MsgPong) decode(r *bytes.Reader) error {
	var err error
	m.Nonce, err = readUint64(r)
	return err
}

// MsgAddr gossips known peer addresses.
type MsgAddr struct {
	AddrList []*NetAddress
}

func (m *MsgAddr) Command() string { return CmdAddr }

func (m *MsgAddr) maxPayloadLength() uint32 {
	return uint32(VarIntSerializeSize(MaxAddrPerMsg)) + MaxAddrPerMsg*timedNetAddressSize
}

func (m *MsgAddr) encode(w io.Writer) error {
	if len(m.AddrList) > MaxAddrPerMsg {
		return fmt.Errorf("too many addresses for message [count %d, max %d]", len(m.AddrList), MaxAddrPerMsg)
	}
	if err := WriteVarInt(w, uint64(len(m.AddrList))); err != nil {
		return err
	}
	for _, na := range m.AddrList {
		if err := writeNetAddress(w, na, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgAddr) decode(r *bytes.Reader) error {
	count, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if count > MaxAddrPerMsg {
		return fmt.Errorf("too many addresses for message [count %d, max %d]", count, MaxAddrPerMsg)
	}
	m.AddrList = make([]*NetAddress, count)
	for i := range m.AddrList {
		na := &NetAddress{}
		if err := readNetAddress(r, na, true); err != nil {
			return err
		}
		m.AddrList[i] = na
	}
	return nil
}

// MsgGetAddr asks the remote for a sample of its address book.
type MsgGetAddr struct{}

func (m *MsgGetAddr) Command() string            { return CmdGetAddr }
func (m *MsgGetAddr) maxPayloadLength() uint32   { return 0 }
func (m *MsgGetAddr) encode(io.Writer) error     { return nil }
func (m *MsgGetAddr) decode(*bytes.Reader) error { return nil }

func invListMaxPayload() uint32 {
	return uint32(VarIntSerializeSize(MaxInvPerMsg)) + MaxInvPerMsg*invVectSize
}

// MsgInv advertises inventory the sender holds.
type MsgInv struct {
	InvList []InvVect
}

func (m *MsgInv) Command() string          { return CmdInv }
func (m *MsgInv) maxPayloadLength() uint32 { return invListMaxPayload() }
func (m *MsgInv) encode(w io.Writer) error { return writeInvList(w, m.InvList, CmdInv) }
func (m *MsgInv) decode(r *bytes.Reader) (err error) {
	m.InvList, err = readInvList(r, CmdInv)
	return err
}

// MsgGetData requests the full objects behind inventory vectors.
type MsgGetData struct {
	InvList []InvVect
}

func (m *MsgGetData) Command() string          { return CmdGetData }
func (m *MsgGetData) maxPayloadLength() uint32 { return invListMaxPayload() }
func (m *MsgGetData) encode(w io.Writer) error { return writeInvList(w, m.InvList, CmdGetData) }
func (m *MsgGetData) decode(r *bytes.Reader) (err error) {
	m.InvList, err = readInvList(r, CmdGetData)
	return err
}

// MsgNotFound answers GetData items the sender does not have.
type MsgNotFound struct {
	InvList []InvVect
}

func (m *MsgNotFound) Command() string          { return CmdNotFound }
func (m *MsgNotFound) maxPayloadLength() uint32 { return invListMaxPayload() }
func (m *MsgNotFound) encode(w io.Writer) error { return writeInvList(w, m.InvList, CmdNotFound) }
func (m *MsgNotFound) decode(r *bytes.Reader) (err error) {
	m.InvList, err = readInvList(r, CmdNotFound)
	return err
}

var errShortBlock = errors.New("block shorter than its header")

// MsgBlock carries a serialized block. Its contents are opaque here beyond the
// header prefix used for identification.
type MsgBlock struct {
	Payload []byte
}

func (m *MsgBlock) Command() string          { return CmdBlock }
func (m *MsgBlock) maxPayloadLength() uint32 { return 0 }

func (m *MsgBlock) encode(w io.Writer) error {
	if len(m.Payload) < BlockHeaderPrefixLen {
		return errShortBlock
	}
	_, err := w.Write(m.Payload)
	return err
}

func (m *MsgBlock) decode(r *bytes.Reader) error {
	if r.Len() < BlockHeaderPrefixLen {
		return errShortBlock
	}
	m.Payload = make([]byte, r.Len())
	_, err := io.ReadFull(r, m.Payload)
	return err
}

// BlockHash identifies the block by the double SHA-256 of its header prefix.
func (m *MsgBlock) BlockHash() Hash {
	return chainhash.DoubleHashH(m.Payload[:BlockHeaderPrefixLen])
}

// MsgTx carries a serialized transaction.
type MsgTx struct {
	Payload []byte
}

func (m *MsgTx) Command() string          { return CmdTx }
func (m *MsgTx) maxPayloadLength() uint32 { return 0 }

func (m *MsgTx) encode(w io.Writer) error {
	if len(m.Payload) == 0 {
		return errors.New("empty transaction")
	}
	_, err := w.Write(m.Payload)
	return err
}

func (m *MsgTx) decode(r *bytes.Reader) error {
	if r.Len() == 0 {
		return errors.New("empty transaction")
	}
	m.Payload = make([]byte, r.Len())
	_, err := io.ReadFull(r, m.Payload)
	return err
}

// TxHash is the double SHA-256 of the serialized transaction.
func (m *MsgTx) TxHash() Hash {
	return chainhash.DoubleHashH(m.Payload)
}

// RejectCode classifies why a message was rejected.
type RejectCode uint8

const (
	RejectMalformed       RejectCode = 0x01
	RejectInvalid         RejectCode = 0x10
	RejectObsolete        RejectCode = 0x11
	RejectDuplicate       RejectCode = 0x12
	RejectNonstandard     RejectCode = 0x40
	RejectDust            RejectCode = 0x41
	RejectInsufficientFee RejectCode = 0x42
	RejectCheckpoint      RejectCode = 0x43
)

func (c RejectCode) String() string {
	switch c {
	case RejectMalformed:
		return "malformed"
	case RejectInvalid:
		return "invalid"
	case RejectObsolete:
		return "obsolete"
	case RejectDuplicate:
		return "duplicate"
	case RejectNonstandard:
		return "nonstandard"
	case RejectDust:
		return "dust"
	case RejectInsufficientFee:
		return "insufficientfee"
	case RejectCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("reject(0x%02x)", uint8(c))
	}
}

// MsgReject reports a rejected message. Data holds whatever trails the reason,
// usually the hash of the rejected object.
type MsgReject struct {
	Cmd    string
	Code   RejectCode
	Reason string
	Data   []byte
}

func (m *MsgReject) Command() string { return CmdReject }

func (m *MsgReject) maxPayloadLength() uint32 {
	return 1 + CommandSize + 1 + uint32(VarIntSerializeSize(MaxRejectReasonLen)) + MaxRejectReasonLen + chainhash.HashSize
}

func (m *MsgReject) encode(w io.Writer) error {
	if len(m.Cmd) > CommandSize {
		return fmt.Errorf("rejected command %q longer than %d bytes", m.Cmd, CommandSize)
	}
	if len(m.Reason) > MaxRejectReasonLen {
		return fmt.Errorf("reject reason %d bytes, max %d", len(m.Reason), MaxRejectReasonLen)
	}
	if len(m.Data) > chainhash.HashSize {
		return fmt.Errorf("reject data %d bytes, max %d", len(m.Data), chainhash.HashSize)
	}
	if err := WriteVarString(w, m.Cmd); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Code)}); err != nil {
		return err
	}
	if err := WriteVarString(w, m.Reason); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

func (m *MsgReject) decode(r *bytes.Reader) error {
	var err error
	if m.Cmd, err = ReadVarString(r, CommandSize, "rejected command"); err != nil {
		return err
	}
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Code = RejectCode(code)
	if m.Reason, err = ReadVarString(r, MaxRejectReasonLen, "reject reason"); err != nil {
		return err
	}
	if r.Len() > chainhash.HashSize {
		return fmt.Errorf("reject data %d bytes, max %d", r.Len(), chainhash.HashSize)
	}
	if r.Len() > 0 {
		m.Data = make([]byte, r.Len())
		if _, err := io.ReadFull(r, m.Data); err != nil {
			return err
		}
	}
	return nil
}

// MsgMempool asks the remote to advertise its mempool transaction ids.
type MsgMempool struct{}

func (m *MsgMempool) Command() string            { return CmdMempool }
func (m *MsgMempool) maxPayloadLength() uint32   { return 0 }
func (m *MsgMempool) encode(io.Writer) error     { return nil }
func (m *MsgMempool) decode(*bytes.Reader) error { return nil }

// MsgAlert is the deprecated network alert. It is accepted and carried
// verbatim but never acted on.
type MsgAlert struct {
	Payload []byte
}

func (m *MsgAlert) Command() string          { return CmdAlert }
func (m *MsgAlert) maxPayloadLength() uint32 { return 0 }

func (m *MsgAlert) encode(w io.Writer) error {
	_, err := w.Write(m.Payload)
	return err
}

func (m *MsgAlert) decode(r *bytes.Reader) error {
	if r.Len() == 0 {
		return nil
	}
	m.Payload = make([]byte, r.Len())
	_, err := io.ReadFull(r, m.Payload)
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
