// Package quota implements the endpoint pool and backoff bookkeeping that
// multiplexes requests across the fixed Antigravity upstream hosts.
package quota

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// Reason classifies why an upstream call failed, driving the backoff tier used.
type Reason string

const (
	ReasonRateLimitExceeded     Reason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted        Reason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError           Reason = "SERVER_ERROR"
	ReasonUnknown               Reason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts a reset delay in milliseconds from response headers
// or the error body, or returns -1 if none is present.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				resetMs = d
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d := ts*1000 - time.Now().UnixMilli(); d > 0 {
					resetMs = d
				}
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset-after"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs <= 0 {
			resetMs = 500
		} else if resetMs < 500 {
			resetMs += 200
		}
	}

	return resetMs
}

func parseResetTimeFromBody(msg string) int64 {
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.ToLower(match[2]) == "s" {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return t.Sub(time.Now()).Milliseconds()
		}
	}

	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		v, _ := strconv.ParseInt(match[1], 10, 64)
		return v
	}

	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		var resetMs int64 = -1
		switch {
		case match[1] != "":
			h, _ := strconv.Atoi(match[1])
			m, _ := strconv.Atoi(match[2])
			s, _ := strconv.Atoi(match[3])
			resetMs = int64((h*3600 + m*60 + s) * 1000)
		case match[4] != "":
			m, _ := strconv.Atoi(match[4])
			s, _ := strconv.Atoi(match[5])
			resetMs = int64((m*60 + s) * 1000)
		case match[6] != "":
			s, _ := strconv.Atoi(match[6])
			resetMs = int64(s * 1000)
		}
		if resetMs > 0 {
			utils.Debug("[Quota] Parsed duration from body: %s", utils.FormatDuration(resetMs))
		}
		return resetMs
	}

	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				return d
			}
		}
	}

	return -1
}

// ParseReason classifies a failed call by status code first, then by
// substring matching against the error body.
func ParseReason(errorText string, status int) Reason {
	if status == 529 || status == 503 {
		return ReasonModelCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	switch {
	case strings.Contains(lower, "quota_exhausted"),
		strings.Contains(lower, "quotaresetdelay"),
		strings.Contains(lower, "quotaresettimestamp"),
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "daily limit"),
		strings.Contains(lower, "quota exceeded"):
		return ReasonQuotaExhausted
	case strings.Contains(lower, "model_capacity_exhausted"),
		strings.Contains(lower, "capacity_exhausted"),
		strings.Contains(lower, "model is currently overloaded"),
		strings.Contains(lower, "service temporarily unavailable"):
		return ReasonModelCapacityExhausted
	case strings.Contains(lower, "rate_limit_exceeded"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "throttl"):
		return ReasonRateLimitExceeded
	case strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "server error"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// IsPermanentAuthFailure reports whether errorText describes an auth failure
// that a token refresh cannot fix (revoked grant, bad client, etc).
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}
