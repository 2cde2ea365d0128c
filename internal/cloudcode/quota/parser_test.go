package quota

import (
	"net/http"
	"testing"
)

func TestParseResetTimeFromRetryAfterHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "5")
	ms := ParseResetTime(headers, "")
	if ms != 5000 {
		t.Fatalf("expected 5000ms, got %d", ms)
	}
}

func TestParseResetTimeFromQuotaDelayBody(t *testing.T) {
	ms := ParseResetTime(http.Header{}, `{"error":"quotaResetDelay: 30s"}`)
	if ms != 30000 {
		t.Fatalf("expected 30000ms, got %d", ms)
	}
}

func TestParseResetTimeNoneFound(t *testing.T) {
	ms := ParseResetTime(http.Header{}, "nothing useful here")
	if ms != -1 {
		t.Fatalf("expected -1, got %d", ms)
	}
}

func TestParseReasonByStatusCode(t *testing.T) {
	if r := ParseReason("", 529); r != ReasonModelCapacityExhausted {
		t.Fatalf("expected capacity exhausted for 529, got %s", r)
	}
	if r := ParseReason("", 503); r != ReasonModelCapacityExhausted {
		t.Fatalf("expected capacity exhausted for 503, got %s", r)
	}
	if r := ParseReason("", 500); r != ReasonServerError {
		t.Fatalf("expected server error for 500, got %s", r)
	}
}

func TestParseReasonByBodySubstring(t *testing.T) {
	cases := map[string]Reason{
		"RESOURCE_EXHAUSTED: daily limit reached":       ReasonQuotaExhausted,
		"model is currently overloaded, try again":      ReasonModelCapacityExhausted,
		"429 rate limit exceeded, please slow down":     ReasonRateLimitExceeded,
		"upstream returned an internal server error":    ReasonServerError,
		"completely unrelated message":                  ReasonUnknown,
	}
	for body, want := range cases {
		if got := ParseReason(body, 200); got != want {
			t.Fatalf("ParseReason(%q) = %s, want %s", body, got, want)
		}
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	if !IsPermanentAuthFailure(`{"error":"invalid_grant"}`) {
		t.Fatalf("expected invalid_grant to be permanent")
	}
	if IsPermanentAuthFailure(`{"error":"temporary glitch"}`) {
		t.Fatalf("expected unrelated error to not be permanent")
	}
}
