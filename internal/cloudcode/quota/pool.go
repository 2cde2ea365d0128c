package quota

import (
	"math"
	"sync"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

type endpointState struct {
	consecutive429 int
	lastRateLimit  time.Time
	cooldownUntil  time.Time
}

// Pool multiplexes requests across the fixed upstream endpoint list, tracking
// per-endpoint rate-limit/backoff state and picking the next endpoint to try.
type Pool struct {
	mu        sync.Mutex
	endpoints []string
	state     map[string]*endpointState
}

// NewPool builds a pool over the fixed fallback endpoint order.
func NewPool() *Pool {
	p := &Pool{
		endpoints: append([]string{}, config.EndpointFallbacks...),
		state:     make(map[string]*endpointState),
	}
	for _, e := range p.endpoints {
		p.state[e] = &endpointState{}
	}
	return p
}

// Endpoints returns the ordered candidate list, starting from the first one
// not currently in cooldown and wrapping around so every endpoint is still
// offered once even if all are cooling down.
func (p *Pool) Endpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	available := make([]string, 0, len(p.endpoints))
	cooling := make([]string, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if s := p.state[e]; s != nil && now.Before(s.cooldownUntil) {
			cooling = append(cooling, e)
		} else {
			available = append(available, e)
		}
	}
	return append(available, cooling...)
}

// Pick returns the next endpoint to try: the first one not in cooldown, or
// the one closest to coming out of cooldown if all of them are.
func (p *Pool) Pick() string {
	ordered := p.Endpoints()
	if len(ordered) == 0 {
		return ""
	}
	return ordered[0]
}

// MarkSuccess clears rate-limit/backoff state for endpoint.
func (p *Pool) MarkSuccess(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.state[endpoint]; s != nil {
		s.consecutive429 = 0
		s.cooldownUntil = time.Time{}
	}
}

// MarkRateLimited records a 429 for endpoint and returns the backoff to wait
// before trying it again. serverRetryAfterMs is the server-reported delay, if
// any (0 if none); errorText is the response body for reason classification.
func (p *Pool) MarkRateLimited(endpoint, errorText string, serverRetryAfterMs int64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := p.state[endpoint]
	if s == nil {
		s = &endpointState{}
		p.state[endpoint] = s
	}

	withinDedup := !s.lastRateLimit.IsZero() && now.Sub(s.lastRateLimit).Milliseconds() < config.RateLimitDedupWindowMs
	if !withinDedup {
		if !s.lastRateLimit.IsZero() && now.Sub(s.lastRateLimit).Milliseconds() < config.RateLimitStateResetMs {
			s.consecutive429++
		} else {
			s.consecutive429 = 1
		}
		s.lastRateLimit = now
	}

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}
	backoff := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(s.consecutive429-1)), 60000))
	delayMs := utils.Max(baseDelay, backoff)

	delay := time.Duration(delayMs) * time.Millisecond
	s.cooldownUntil = now.Add(delay)

	utils.Debug("[Quota] %s rate limited: attempt=%d delay=%s", endpoint, s.consecutive429, delay)
	return delay
}

// MarkServerError records a 5xx/upstream failure and returns the backoff to
// apply before retrying, classified from the error text when the upstream
// gave no explicit Retry-After.
func (p *Pool) MarkServerError(endpoint, errorText string, serverResetMs int64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.state[endpoint]
	if s == nil {
		s = &endpointState{}
		p.state[endpoint] = s
	}

	var delayMs int64
	if serverResetMs > 0 {
		delayMs = utils.Max(serverResetMs, config.MinBackoffMs)
	} else {
		switch ParseReason(errorText, 0) {
		case ReasonQuotaExhausted:
			idx := s.consecutive429
			if idx >= len(config.QuotaExhaustedBackoffTiersMs) {
				idx = len(config.QuotaExhaustedBackoffTiersMs) - 1
			}
			delayMs = config.QuotaExhaustedBackoffTiersMs[idx]
		case ReasonModelCapacityExhausted:
			delayMs = config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
		case ReasonServerError:
			delayMs = config.BackoffByErrorType["SERVER_ERROR"]
		default:
			delayMs = config.BackoffByErrorType["UNKNOWN"]
		}
	}

	delay := time.Duration(delayMs) * time.Millisecond
	s.cooldownUntil = time.Now().Add(delay)
	return delay
}

// MarkAuthFailed records an auth failure against endpoint. Permanent auth
// failures (bad refresh token, revoked grant) cool the endpoint down for a
// fixed window since retrying immediately can't help; transient ones get the
// same treatment as a server error.
func (p *Pool) MarkAuthFailed(endpoint, errorText string) time.Duration {
	if IsPermanentAuthFailure(errorText) {
		p.mu.Lock()
		defer p.mu.Unlock()
		s := p.state[endpoint]
		if s == nil {
			s = &endpointState{}
			p.state[endpoint] = s
		}
		delay := 30 * time.Second
		s.cooldownUntil = time.Now().Add(delay)
		return delay
	}
	return p.MarkServerError(endpoint, errorText, 0)
}

// StartStateCleanup periodically drops endpoint state for endpoints that
// haven't seen a failure in a while, so consecutive429 counters don't persist
// forever across unrelated incidents.
func (p *Pool) StartStateCleanup() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		for range ticker.C {
			p.cleanupStale()
		}
	}()
}

func (p *Pool) cleanupStale() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.state {
		if s.lastRateLimit.Before(cutoff) && time.Now().After(s.cooldownUntil) {
			s.consecutive429 = 0
		}
	}
}
