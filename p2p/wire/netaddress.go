package wire

import (
	"encoding/binary"
	"io"
	"net/netip"
	"time"
)

// NetAddress is a peer endpoint as carried in Version and Addr messages. IPv4
// endpoints travel as IPv4-mapped IPv6 addresses and are unmapped on decode.
type NetAddress struct {
	Timestamp time.Time
	Services  ServiceFlag
	Addr      netip.AddrPort
}

// NewNetAddress builds an address stamped with ts truncated to whole seconds.
func NewNetAddress(addr netip.AddrPort, services ServiceFlag, ts time.Time) *NetAddress {
	return &NetAddress{Timestamp: time.Unix(ts.Unix(), 0), Services: services, Addr: addr}
}

// Key returns the host:port identity used by the address book.
func (na *NetAddress) Key() string {
	return na.Addr.String()
}

func readNetAddress(r io.Reader, na *NetAddress, withTimestamp bool) error {
	if withTimestamp {
		var ts [4]byte
		if _, err := io.ReadFull(r, ts[:]); err != nil {
			return err
		}
		na.Timestamp = time.Unix(int64(binary.LittleEndian.Uint32(ts[:])), 0)
	}
	var buf [8 + 16 + 2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	na.Services = ServiceFlag(binary.LittleEndian.Uint64(buf[0:8]))
	var ip [16]byte
	copy(ip[:], buf[8:24])
	port := binary.BigEndian.Uint16(buf[24:26])
	na.Addr = netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), port)
	return nil
}

func writeNetAddress(w io.Writer, na *NetAddress, withTimestamp bool) error {
	if withTimestamp {
		var ts [4]byte
		binary.LittleEndian.PutUint32(ts[:], uint32(na.Timestamp.Unix()))
		if _, err := w.Write(ts[:]); err != nil {
			return err
		}
	}
	var buf [8 + 16 + 2]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(na.Services))
	ip := na.Addr.Addr()
	if ip.IsValid() {
		raw := ip.As16()
		copy(buf[8:24], raw[:])
	}
	binary.BigEndian.PutUint16(buf[24:26], na.Addr.Port())
	_, err := w.Write(buf[:])
	return err
}
