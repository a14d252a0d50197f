package ratelimit

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestMessageLimiterAllowsBurstThenLimits(t *testing.T) {
	m := NewMessageLimiter(10, 3)

	allowed := 0
	for i := 0; i < 5; i++ {
		if m.Allow(1) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want burst of 3", allowed)
	}
}

func TestMessageLimiterIsolatesConnections(t *testing.T) {
	m := NewMessageLimiter(10, 1)
	m.Allow(1) // exhausts conn 1's single token

	if m.Allow(1) {
		t.Error("conn 1 should be rate limited")
	}
	if !m.Allow(2) {
		t.Error("conn 2 should have its own independent bucket")
	}
}

func TestMessageLimiterRemove(t *testing.T) {
	m := NewMessageLimiter(10, 1)
	m.Allow(1)
	if m.TrackedConnections() != 1 {
		t.Fatalf("TrackedConnections() = %d, want 1", m.TrackedConnections())
	}
	m.Remove(1)
	if m.TrackedConnections() != 0 {
		t.Errorf("TrackedConnections() = %d after Remove, want 0", m.TrackedConnections())
	}
}

func TestConnectionAcceptLimiterPerIP(t *testing.T) {
	l := NewConnectionAcceptLimiter(AcceptLimiterConfig{
		IPBurst: 2, IPRate: 1, GlobalBurst: 100, GlobalRate: 100,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Error("third rapid connection from same IP should be rate limited")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("a different IP should have its own independent bucket")
	}
}

func TestConnectionAcceptLimiterGlobalCap(t *testing.T) {
	l := NewConnectionAcceptLimiter(AcceptLimiterConfig{
		IPBurst: 100, IPRate: 100, GlobalBurst: 1, GlobalRate: 1,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.1.1.1") {
		t.Fatal("expected first connection to be allowed")
	}
	if l.Allow("2.2.2.2") {
		t.Error("global burst of 1 should reject a second IP's connection immediately after")
	}
}

func TestConnectionAcceptLimiterStopIsIdempotent(t *testing.T) {
	l := NewConnectionAcceptLimiter(AcceptLimiterConfig{}, zerolog.Nop())
	l.Stop()
	l.Stop()
}

func TestConnectionAcceptLimiterTracksIPs(t *testing.T) {
	l := NewConnectionAcceptLimiter(AcceptLimiterConfig{IPBurst: 5, IPRate: 5, GlobalBurst: 5, GlobalRate: 5}, zerolog.Nop())
	defer l.Stop()

	l.Allow("1.1.1.1")
	l.Allow("2.2.2.2")
	if l.TrackedIPs() != 2 {
		t.Errorf("TrackedIPs() = %d, want 2", l.TrackedIPs())
	}
}
