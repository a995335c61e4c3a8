package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	nonceGuardEntries = 1024
	nonceGuardWindow  = 10 * time.Minute
)

// nonceGuard remembers the nonces of recently sent Version messages. A remote
// Version echoing one of them means we dialed ourselves.
type nonceGuard struct {
	nonces *expirable.LRU[uint64, struct{}]
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = nonceGuardWindow
	}
	return &nonceGuard{nonces: expirable.NewLRU[uint64, struct{}](nonceGuardEntries, nil, window)}
}

// next draws a fresh non-zero nonce and remembers it.
func (g *nonceGuard) next() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate version nonce: %w", err)
		}
		nonce := binary.LittleEndian.Uint64(buf[:])
		if nonce == 0 || g.nonces.Contains(nonce) {
			continue
		}
		g.nonces.Add(nonce, struct{}{})
		return nonce, nil
	}
}

func (g *nonceGuard) isLocal(nonce uint64) bool {
	return nonce != 0 && g.nonces.Contains(nonce)
}

func (g *nonceGuard) forget(nonce uint64) {
	g.nonces.Remove(nonce)
}
