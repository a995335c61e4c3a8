package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is the content hash of a block or transaction.
type Hash = chainhash.Hash

// MaxInvPerMsg bounds Inv, GetData and NotFound lists.
const MaxInvPerMsg = 50000

// InvType identifies what an inventory vector references.
type InvType uint32

const (
	InvTypeError InvType = 0
	InvTypeTx    InvType = 1
	InvTypeBlock InvType = 2
)

func (t InvType) String() string {
	switch t {
	case InvTypeError:
		return "error"
	case InvTypeTx:
		return "tx"
	case InvTypeBlock:
		return "block"
	default:
		return fmt.Sprintf("inv(%d)", uint32(t))
	}
}

// InvVect references one block or transaction by hash.
type InvVect struct {
	Type InvType
	Hash Hash
}

// NewInvVect returns an inventory vector for the given kind and hash.
func NewInvVect(typ InvType, hash Hash) InvVect {
	return InvVect{Type: typ, Hash: hash}
}

func (iv InvVect) String() string {
	return fmt.Sprintf("%s:%s", iv.Type, iv.Hash)
}

const invVectSize = 4 + chainhash.HashSize

func readInvList(r io.Reader, command string) ([]InvVect, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > MaxInvPerMsg {
		return nil, fmt.Errorf("%s carries %d inventory vectors, max %d", command, count, MaxInvPerMsg)
	}
	list := make([]InvVect, count)
	var buf [invVectSize]byte
	for i := range list {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		list[i].Type = InvType(binary.LittleEndian.Uint32(buf[0:4]))
		copy(list[i].Hash[:], buf[4:])
	}
	return list, nil
}

func writeInvList(w io.Writer, list []InvVect, command string) error {
	if len(list) > MaxInvPerMsg {
		return fmt.Errorf("%s carries %d inventory vectors, max %d", command, len(list), MaxInvPerMsg)
	}
	if err := WriteVarInt(w, uint64(len(list))); err != nil {
		return err
	}
	var buf [invVectSize]byte
	for _, iv := range list {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(iv.Type))
		copy(buf[4:], iv.Hash[:])
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
