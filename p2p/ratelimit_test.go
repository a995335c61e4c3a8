package p2p

import (
	"net/netip"
	"testing"
	"time"
)

func TestIPRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(1, 1)
	now := time.Now()
	a := netip.MustParseAddr("1.2.3.4")
	if !limiter.allow(a, now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow(a, now) {
		t.Fatalf("burst should be limited")
	}
	if !limiter.allow(netip.MustParseAddr("5.6.7.8"), now) {
		t.Fatalf("different IP should be independent")
	}
	if !limiter.allow(a, now.Add(time.Second)) {
		t.Fatalf("token should refill after rate interval")
	}
}

func TestIPRateLimiterTreatsMappedAddressesAsOne(t *testing.T) {
	limiter := newIPRateLimiter(1, 1)
	now := time.Now()
	if !limiter.allow(netip.MustParseAddr("1.2.3.4"), now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow(netip.MustParseAddr("::ffff:1.2.3.4"), now) {
		t.Fatalf("mapped form of the same IP should share the bucket")
	}
}

func TestDisabledIPRateLimiterAllowsEverything(t *testing.T) {
	limiter := newIPRateLimiter(0, 1)
	for i := 0; i < 10; i++ {
		if !limiter.allow(netip.MustParseAddr("1.2.3.4"), time.Now()) {
			t.Fatalf("disabled limiter rejected attempt %d", i)
		}
	}
}

func TestTakeTokensGrantsUpToBurst(t *testing.T) {
	limiter := newMessageLimiter(1, 5)
	now := time.Now()
	if got := takeTokens(limiter, 8, now); got != 5 {
		t.Fatalf("expected 5 tokens, got %d", got)
	}
	if got := takeTokens(limiter, 3, now); got != 0 {
		t.Fatalf("expected empty bucket, got %d", got)
	}
	if got := takeTokens(limiter, 3, now.Add(2*time.Second)); got != 2 {
		t.Fatalf("expected 2 refilled tokens, got %d", got)
	}
}
