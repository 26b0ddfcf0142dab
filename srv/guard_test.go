package srv

import (
	"fmt"
	"testing"
	"time"
)

const goodAgent = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/120.0"

// testClock installs a controllable clock on the guard.
func testClock(g *Guard) *time.Time {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return &now
}

func TestPathRateLimit(t *testing.T) {
	g := NewGuard("", 5)
	now := testClock(g)

	var last GuardVerdict
	for i := 0; i < 7; i++ {
		last = g.Check("1.2.3.4", "/api/validate", goodAgent, "")
		*now = now.Add(2500 * time.Millisecond)
	}
	if last != GuardRateLimited {
		t.Fatalf("verdict after path overflow = %v; want GuardRateLimited", last)
	}
}

func TestMinuteOverflow(t *testing.T) {
	g := NewGuard("", 1000)
	now := testClock(g)

	// Alternating 0ms / 3900ms intervals keep the mean under two seconds
	// but the spread high, so the timing detector stays quiet while all
	// 31 requests land inside one minute window.
	var last GuardVerdict
	for i := 0; i < 31; i++ {
		last = g.Check("1.2.3.4", fmt.Sprintf("/api/p%d", i), goodAgent, "")
		if i%2 == 0 {
			*now = now.Add(3900 * time.Millisecond)
		}
	}
	if last != GuardRateLimited {
		t.Fatalf("verdict after minute overflow = %v; want GuardRateLimited", last)
	}
}

func TestHoneypotBlocksImmediately(t *testing.T) {
	g := NewGuard("", 0)
	score := g.RaiseSuspicion("9.9.9.9", "honeypot")
	if score < blockThreshold {
		t.Fatalf("score = %d; want >= %d", score, blockThreshold)
	}
	if !g.Blocked("9.9.9.9") {
		t.Fatal("honeypot hit did not block")
	}
	if v := g.Check("9.9.9.9", "/api/validate", goodAgent, ""); v != GuardForbidden {
		t.Fatalf("blocked IP verdict = %v; want GuardForbidden", v)
	}
}

func TestDecayUnblocks(t *testing.T) {
	g := NewGuard("", 0)
	now := testClock(g)
	g.RaiseSuspicion("9.9.9.9", "honeypot")
	if !g.Blocked("9.9.9.9") {
		t.Fatal("not blocked")
	}

	// 100 decays to 49 after 51 sweeps, below the unblock threshold.
	for i := 0; i < 51; i++ {
		*now = now.Add(time.Minute)
		g.Sweep()
	}
	if g.Blocked("9.9.9.9") {
		t.Fatal("still blocked after decay below threshold")
	}
}

func TestTokenIPBinding(t *testing.T) {
	g := NewGuard("secret", 0)
	testClock(g)

	token := g.GenerateToken("1.1.1.1")
	if v := g.Check("1.1.1.1", "/api/validate", goodAgent, token); v != GuardAllow {
		t.Fatalf("valid token verdict = %v; want GuardAllow", v)
	}

	g.Check("2.2.2.2", "/api/validate", goodAgent, token)
	scores := g.Stats().Scores
	if scores["2.2.2.2"] < suspicionWeights["token_ip_mismatch"] {
		t.Fatalf("mismatch score = %d; want >= %d", scores["2.2.2.2"], suspicionWeights["token_ip_mismatch"])
	}
	// The token is burned on mismatch; the rightful IP now scores too.
	g.Check("1.1.1.1", "/api/validate", goodAgent, token)
	scores = g.Stats().Scores
	if scores["1.1.1.1"] < suspicionWeights["invalid_token"] {
		t.Fatalf("burned token score = %d; want >= %d", scores["1.1.1.1"], suspicionWeights["invalid_token"])
	}
}

func TestTokenExpiry(t *testing.T) {
	g := NewGuard("secret", 0)
	now := testClock(g)

	token := g.GenerateToken("1.1.1.1")
	*now = now.Add(guardTokenTTL + time.Second)
	g.Check("1.1.1.1", "/api/validate", goodAgent, token)
	if g.Stats().Scores["1.1.1.1"] < suspicionWeights["invalid_token"] {
		t.Fatal("expired token did not raise suspicion")
	}
}

func TestSequentialTimingDetector(t *testing.T) {
	g := NewGuard("", 1000)
	now := testClock(g)

	for i := 0; i < 12; i++ {
		g.Check("3.3.3.3", fmt.Sprintf("/api/p%d", i), goodAgent, "")
		*now = now.Add(time.Second)
	}
	if g.Stats().Scores["3.3.3.3"] < suspicionWeights["sequential_timing"] {
		t.Fatalf("score = %d; want sequential_timing weight applied", g.Stats().Scores["3.3.3.3"])
	}
}

func TestSuspiciousUserAgent(t *testing.T) {
	g := NewGuard("", 0)
	testClock(g)

	for _, ua := range []string{"python-requests/2.31", "curl/8.0", ""} {
		ip := "4.4.4." + ua
		g.Check(ip, "/api/validate", ua, "")
		if g.Stats().Scores[ip] < suspicionWeights["suspicious_user_agent"] {
			t.Errorf("agent %q did not raise suspicion", ua)
		}
	}
}

func TestSweepForgetsIdleIPs(t *testing.T) {
	g := NewGuard("", 0)
	now := testClock(g)

	g.Check("5.5.5.5", "/api/validate", goodAgent, "")
	*now = now.Add(ipIdleForget + time.Hour)
	g.Sweep()
	if g.Stats().TrackedIPs != 0 {
		t.Fatalf("TrackedIPs = %d; want 0 after idle forget", g.Stats().TrackedIPs)
	}
}

func TestUnblockResetsScore(t *testing.T) {
	g := NewGuard("", 0)
	g.RaiseSuspicion("6.6.6.6", "honeypot")
	g.Unblock("6.6.6.6")
	if g.Blocked("6.6.6.6") {
		t.Fatal("still blocked after Unblock")
	}
	if score := g.Stats().Scores["6.6.6.6"]; score != 0 {
		t.Fatalf("score = %d after Unblock; want 0", score)
	}
}
