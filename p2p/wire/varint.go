package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxVarBytesLength bounds any variable length byte array carried inside a
// payload. Individual fields apply tighter limits where the protocol defines
// one.
const MaxVarBytesLength = DefaultMaxPayload

// ReadVarInt reads a compact-size integer. Values below 0xfd are stored inline
// in a single byte, larger values are prefixed by 0xfd, 0xfe or 0xff followed
// by a 2, 4 or 8 byte little-endian integer. Non-canonical encodings are
// rejected so that every value has exactly one representation.
func ReadVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, err
	}

	var (
		value uint64
		min   uint64
	)
	switch prefix[0] {
	case 0xff:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		value = binary.LittleEndian.Uint64(buf[:])
		min = 0x100000000
	case 0xfe:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		value = uint64(binary.LittleEndian.Uint32(buf[:]))
		min = 0x10000
	case 0xfd:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		value = uint64(binary.LittleEndian.Uint16(buf[:]))
		min = 0xfd
	default:
		return uint64(prefix[0]), nil
	}

	if value < min {
		return 0, fmt.Errorf("non-canonical varint %x (marker 0x%02x, minimum %x)", value, prefix[0], min)
	}
	return value, nil
}

// WriteVarInt writes v using the compact-size encoding.
func WriteVarInt(w io.Writer, v uint64) error {
	var buf [9]byte
	n := PutVarInt(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// PutVarInt encodes v into buf, which must hold at least VarIntSerializeSize(v)
// bytes, and returns the number of bytes written.
func PutVarInt(buf []byte, v uint64) int {
	switch {
	case v < 0xfd:
		buf[0] = uint8(v)
		return 1
	case v <= math.MaxUint16:
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return 3
	case v <= math.MaxUint32:
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
		return 5
	default:
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
		return 9
	}
}

// VarIntSerializeSize returns the number of bytes WriteVarInt uses for v.
func VarIntSerializeSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= math.MaxUint16:
		return 3
	case v <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// ReadVarBytes reads a length-prefixed byte array. The declared length is
// checked against maxAllowed before anything is allocated.
func ReadVarBytes(r io.Reader, maxAllowed uint32, field string) ([]byte, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > uint64(maxAllowed) {
		return nil, fmt.Errorf("%s is larger than the max allowed size [count %d, max %d]", field, count, maxAllowed)
	}
	buf := make([]byte, count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteVarBytes writes a length-prefixed byte array.
func WriteVarBytes(w io.Writer, b []byte) error {
	if err := WriteVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadVarString reads a length-prefixed string bounded by maxAllowed bytes.
func ReadVarString(r io.Reader, maxAllowed uint32, field string) (string, error) {
	b, err := ReadVarBytes(r, maxAllowed, field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteVarString writes a length-prefixed string.
func WriteVarString(w io.Writer, s string) error {
	if err := WriteVarInt(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
