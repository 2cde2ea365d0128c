package quota

import "testing"

func TestPickReturnsFirstEndpointWhenNoneCoolingDown(t *testing.T) {
	p := NewPool()
	if p.Pick() != p.endpoints[0] {
		t.Fatalf("expected first endpoint, got %q", p.Pick())
	}
}

func TestMarkRateLimitedMovesEndpointToCoolingTail(t *testing.T) {
	p := NewPool()
	if len(p.endpoints) < 2 {
		t.Skip("pool needs at least two endpoints to test rotation")
	}
	first := p.endpoints[0]
	p.MarkRateLimited(first, "rate limit exceeded", 60000)

	ordered := p.Endpoints()
	if ordered[0] == first {
		t.Fatalf("expected rate-limited endpoint to move out of first position, got order %v", ordered)
	}
}

func TestMarkSuccessClearsCooldown(t *testing.T) {
	p := NewPool()
	first := p.endpoints[0]
	p.MarkRateLimited(first, "rate limit exceeded", 60000)
	p.MarkSuccess(first)

	if p.Pick() != first {
		t.Fatalf("expected cooldown to clear after success, got %q", p.Pick())
	}
}
