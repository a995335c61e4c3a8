package p2p

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	ipLimiterEntries = 4096
	ipLimiterTTL     = 10 * time.Minute
)

// ipRateLimiter throttles inbound connection attempts per remote IP. Idle
// buckets expire so a scan from many sources cannot grow it without bound.
type ipRateLimiter struct {
	limit  rate.Limit
	burst  int
	bucket *expirable.LRU[netip.Addr, *rate.Limiter]
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		limit:  rate.Limit(perSecond),
		burst:  burst,
		bucket: expirable.NewLRU[netip.Addr, *rate.Limiter](ipLimiterEntries, nil, ipLimiterTTL),
	}
}

func (l *ipRateLimiter) allow(ip netip.Addr, now time.Time) bool {
	if l == nil || !ip.IsValid() {
		return true
	}
	ip = ip.Unmap()
	limiter, ok := l.bucket.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.bucket.Add(ip, limiter)
	}
	return limiter.AllowN(now, 1)
}

func newMessageLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// takeTokens consumes up to n tokens and reports how many were granted.
func takeTokens(l *rate.Limiter, n int, now time.Time) int {
	granted := 0
	for granted < n && l.AllowN(now, 1) {
		granted++
	}
	return granted
}
