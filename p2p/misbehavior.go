package p2p

import (
	"math"
	"sync"
	"time"
)

type violation uint8

const (
	violationMalformed violation = iota + 1
	violationProtocol
	violationOversized
	violationUnsolicited
	violationDuplicate
	violationInvalidPayload
	violationAddrFlood
	violationRateLimited
)

func (v violation) String() string {
	switch v {
	case violationMalformed:
		return "malformed"
	case violationProtocol:
		return "protocol"
	case violationOversized:
		return "oversized"
	case violationUnsolicited:
		return "unsolicited"
	case violationDuplicate:
		return "duplicate"
	case violationInvalidPayload:
		return "invalid_payload"
	case violationAddrFlood:
		return "addr_flood"
	case violationRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// banScore is a per-connection misbehavior score that halves every halfLife,
// so sporadic noise from an honest peer never accumulates into a ban.
type banScore struct {
	mu        sync.Mutex
	score     float64
	updatedAt time.Time
	halfLife  time.Duration
	incidents uint64
}

func newBanScore(halfLife time.Duration, now time.Time) *banScore {
	return &banScore{halfLife: halfLife, updatedAt: now}
}

// add applies delta and returns the decayed score after the increase.
func (b *banScore) add(delta int, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyDecayLocked(now)
	b.score += float64(delta)
	if b.score < 0 {
		b.score = 0
	}
	if delta > 0 {
		b.incidents++
	}
	return int(math.Round(b.score))
}

func (b *banScore) value(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyDecayLocked(now)
	return int(math.Round(b.score))
}

func (b *banScore) incidentCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.incidents
}

func (b *banScore) applyDecayLocked(now time.Time) {
	if now.Before(b.updatedAt) {
		b.updatedAt = now
		return
	}
	if b.halfLife <= 0 {
		b.updatedAt = now
		return
	}
	elapsed := now.Sub(b.updatedAt)
	if elapsed <= 0 {
		return
	}
	b.score *= math.Pow(0.5, float64(elapsed)/float64(b.halfLife))
	if b.score < 1e-6 {
		b.score = 0
	}
	b.updatedAt = now
}
