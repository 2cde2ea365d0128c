// Package config holds runtime configuration and the fixed constants that
// describe the upstream Antigravity surface (endpoints, OAuth, model tables).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

const Version = "1.0.0"

// Upstream endpoints, in fallback order. loadCodeAssist is pinned to the
// production endpoint regardless of this order (see LoadCodeAssistEndpoints).
const (
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the ordered pool the Quota Manager scans.
var EndpointFallbacks = []string{EndpointDaily, EndpointAutopush, EndpointProd}

// LoadCodeAssistEndpoints is prod-first: discovery is unreliable on sandbox hosts.
var LoadCodeAssistEndpoints = []string{EndpointProd, EndpointDaily, EndpointAutopush}

// OnboardUserEndpoints mirrors the generateContent fallback order.
var OnboardUserEndpoints = EndpointFallbacks

// DefaultProjectID is used when discovery finds nothing and no id was ever stored.
const DefaultProjectID = "rising-fact-p41fc"

func AntigravityHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk antigravity-bridge/0.1",
		"Client-Metadata":   clientMetadataJSON(),
	}
}

func LoadCodeAssistHeaders() map[string]string { return AntigravityHeaders() }

func platformUserAgent() string {
	return fmt.Sprintf("antigravity-bridge/%s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
}

// IDE/platform/plugin enums mirror google.internal.cloud.code.v1internal.ClientMetadata.
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6

	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3

	PluginTypeUnspecified = 0
	PluginTypeGemini      = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func clientMetadataJSON() string {
	data, _ := json.Marshal(map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": PluginTypeGemini,
	})
	return string(data)
}

// Timing / retry constants.
const (
	TokenCacheTTLMs  = 5 * 60 * 1000
	RequestBodyLimit int64 = 50 * 1024 * 1024
	DefaultPort      = 8080

	DefaultCooldownMs          = 10 * 1000
	MaxUpstream5xxRetries      = 3
	MaxEmptyResponseRetries    = 2
	MaxWaitBeforeErrorMs       = 120000
	RateLimitDedupWindowMs     = 2000
	RateLimitStateResetMs      = 120000
	FirstRetryDelayMs          = 1000
	MinBackoffMs               = 2000
	CapacityJitterMaxMs        = 10000
	MaxStreamingRetriesDefault = 12
	StreamBufferCapDefault     = 1 << 20 // 1 MiB

	MaxRetries          = 6
	MaxCapacityRetries  = 5
	SwitchEndpointDelayMs = 1500
)

// CapacityBackoffTiersMs: progressive backoff for model-capacity exhaustion.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs: progressive backoff for daily/hourly quota exhaustion (60s,5m,30m,2h).
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

const MinSignatureLength = 50

const (
	GeminiMaxOutputTokens       = 16384
	GeminiDefaultThinkingBudget = 16000
	GeminiSignatureCacheTTLMs   = 2 * 60 * 60 * 1000
	ModelValidationCacheTTLMs   = 5 * 60 * 1000

	// GeminiSkipSignature marks a tool_use part emitted for a Gemini model
	// when no real thoughtSignature is available (cache miss, first turn).
	GeminiSkipSignature = "skip"
)

// OAuthConfigType describes the PKCE login flow's fixed parameters.
type OAuthConfigType struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

var OAuthConfig = OAuthConfigType{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthConfig.CallbackPort)
}

// AntigravitySystemInstruction is folded into every request's systemInstruction
// so the model does not volunteer upstream implementation details in its replies.
const AntigravitySystemInstruction = `You are a coding assistant pair-programming with a user inside their editor. Work from the project on disk; prefer absolute paths; ask before destructive actions.`

// ModelFallbackMap maps a primary model id to the id to retry with when its
// quota is exhausted.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return ModelFamilyClaude
	case strings.Contains(lower, "gemini"):
		return ModelFamilyGemini
	default:
		return ModelFamilyUnknown
	}
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether modelName supports thought/thinking output.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}
	return false
}

func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func HasFallback(modelName string) bool {
	_, ok := ModelFallbackMap[modelName]
	return ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func oauthCallbackPort() int {
	if v := os.Getenv("OAUTH_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			return port
		}
	}
	return 51121
}

// DefaultTokenStorePath is the on-disk location of the JSON token store.
func DefaultTokenStorePath() string {
	return filepath.Join(homeDir(), ".antigravity-bridge", "accounts.json")
}

// DefaultSQLiteStorePath is the on-disk location of the sqlite token store.
func DefaultSQLiteStorePath() string {
	return filepath.Join(homeDir(), ".antigravity-bridge", "accounts.db")
}
