package p2p

import (
	"testing"
	"time"
)

func TestBanScoreAccumulatesAndDecays(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	score := newBanScore(10*time.Minute, start)

	if got := score.add(40, start); got != 40 {
		t.Fatalf("expected 40, got %d", got)
	}
	if got := score.add(20, start); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
	if got := score.value(start.Add(10 * time.Minute)); got != 30 {
		t.Fatalf("expected score to halve after one half-life, got %d", got)
	}
	if got := score.value(start.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("expected score to decay to zero, got %d", got)
	}
	if got := score.incidentCount(); got != 2 {
		t.Fatalf("expected 2 incidents, got %d", got)
	}
}

func TestBanScoreRepeatedViolationsReachThreshold(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Unix(1_700_000_000, 0)
	score := newBanScore(cfg.ScoreHalfLife, now)
	hits := 0
	for score.value(now) < cfg.BanThreshold {
		score.add(cfg.Penalties.forViolation(violationMalformed), now)
		now = now.Add(time.Second)
		hits++
		if hits > 1000 {
			t.Fatalf("malformed messages never reached the ban threshold")
		}
	}
}

func TestOversizedPayloadBansImmediately(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	score := newBanScore(cfg.ScoreHalfLife, now)
	if got := score.add(cfg.Penalties.forViolation(violationOversized), now); got < cfg.BanThreshold {
		t.Fatalf("expected one oversized payload to reach the threshold, got %d", got)
	}
}

func TestBanScoreIgnoresClockRegression(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	score := newBanScore(time.Minute, now)
	score.add(10, now)
	if got := score.value(now.Add(-time.Hour)); got != 10 {
		t.Fatalf("expected clock regression to leave score unchanged, got %d", got)
	}
}
