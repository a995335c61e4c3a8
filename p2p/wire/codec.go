package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// CommandSize is the fixed width of the command name in a frame header.
	CommandSize = 12

	// HeaderSize is magic (4) + command (12) + payload length (4) + checksum (4).
	HeaderSize = 4 + CommandSize + 4 + 4

	// DefaultMaxPayload is the hard per-message payload ceiling applied when a
	// codec is built without an explicit limit.
	DefaultMaxPayload = 2 * 1024 * 1024
)

var (
	// ErrNeedMoreData reports that the buffer holds only part of a frame.
	ErrNeedMoreData = errors.New("wire: need more data")
	// ErrMalformedFrame covers bad magic, bad command encoding, checksum
	// mismatches and payloads that do not parse.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnknownCommand reports a well-formed frame whose command is not part
	// of the message set. The frame is consumed and can be skipped.
	ErrUnknownCommand = errors.New("wire: unknown command")
	// ErrPayloadTooLarge reports a declared payload length above the codec
	// ceiling. Nothing beyond the header is buffered for such frames.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// MessageError wraps one of the sentinel errors with the command and detail
// that triggered it.
type MessageError struct {
	Command string
	Detail  string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Command, e.Detail)
}

func (e *MessageError) Unwrap() error { return e.Err }

func messageError(kind error, command, format string, args ...any) error {
	return &MessageError{Command: command, Detail: fmt.Sprintf(format, args...), Err: kind}
}

// Codec encodes and decodes frames for one network. It keeps no state between
// calls; partial frames are buffered by the caller and offered again once more
// bytes have arrived.
type Codec struct {
	magic      [4]byte
	maxPayload uint32
}

// NewCodec returns a codec for the network. A zero maxPayload selects
// DefaultMaxPayload.
func NewCodec(net Network, maxPayload uint32) *Codec {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{magic: net.Magic(), maxPayload: maxPayload}
}

// Encode serializes msg into a complete frame.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("wire: nil message")
	}
	command := msg.Command()
	if len(command) > CommandSize {
		return nil, messageError(ErrMalformedFrame, command, "command longer than %d bytes", CommandSize)
	}

	var payload bytes.Buffer
	if err := msg.encode(&payload); err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}
	if uint64(payload.Len()) > uint64(c.maxPayload) {
		return nil, messageError(ErrPayloadTooLarge, command, "payload %d bytes exceeds %d", payload.Len(), c.maxPayload)
	}

	frame := make([]byte, HeaderSize+payload.Len())
	copy(frame[0:4], c.magic[:])
	copy(frame[4:4+CommandSize], command)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(payload.Len()))
	copy(frame[20:24], checksum(payload.Bytes()))
	copy(frame[HeaderSize:], payload.Bytes())
	return frame, nil
}

// Decode parses the first frame in buf. It returns the message and the number
// of bytes consumed.
//
//   - ErrNeedMoreData: nothing consumed, call again with more bytes.
//   - ErrPayloadTooLarge: the header is consumed; the stream cannot be
//     resynchronised and the connection should be dropped.
//   - ErrUnknownCommand: the whole frame is consumed and may be skipped.
//   - ErrMalformedFrame: the frame is consumed when its length was readable,
//     otherwise nothing is consumed.
//
// Decode never consumes more than HeaderSize plus the declared payload length.
func (c *Codec) Decode(buf []byte) (Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	if !bytes.Equal(buf[0:4], c.magic[:]) {
		return nil, 0, messageError(ErrMalformedFrame, "", "unexpected magic %x", buf[0:4])
	}
	command, err := parseCommand(buf[4 : 4+CommandSize])
	if err != nil {
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(buf[16:20])
	if length > c.maxPayload {
		return nil, HeaderSize, messageError(ErrPayloadTooLarge, command, "declared %d bytes, limit %d", length, c.maxPayload)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	payload := buf[HeaderSize:total]
	if !bytes.Equal(buf[20:24], checksum(payload)) {
		return nil, total, messageError(ErrMalformedFrame, command, "checksum mismatch")
	}

	msg := makeEmptyMessage(command)
	if msg == nil {
		return nil, total, messageError(ErrUnknownCommand, command, "%d byte payload skipped", length)
	}
	if max := msg.maxPayloadLength(); max > 0 && length > max {
		return nil, total, messageError(ErrMalformedFrame, command, "payload %d bytes exceeds message limit %d", length, max)
	}

	r := bytes.NewReader(payload)
	if err := msg.decode(r); err != nil {
		return nil, total, messageError(ErrMalformedFrame, command, "%v", err)
	}
	if r.Len() != 0 {
		return nil, total, messageError(ErrMalformedFrame, command, "%d trailing bytes", r.Len())
	}
	return msg, total, nil
}

func parseCommand(raw []byte) (string, error) {
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		end = len(raw)
	}
	for _, b := range raw[end:] {
		if b != 0 {
			return "", messageError(ErrMalformedFrame, "", "command %q has data after padding", raw)
		}
	}
	command := string(raw[:end])
	if command == "" {
		return "", messageError(ErrMalformedFrame, "", "empty command")
	}
	for _, ch := range command {
		if ch < 0x20 || ch > 0x7e {
			return "", messageError(ErrMalformedFrame, "", "command %q is not printable ascii", strings.ToValidUTF8(command, "?"))
		}
	}
	return command, nil
}

// checksum is the first four bytes of the double SHA-256 of the payload.
func checksum(payload []byte) []byte {
	return chainhash.DoubleHashB(payload)[:4]
}
