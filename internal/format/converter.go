// Request conversion:
//   - ConvertAnthropicToGoogle is the entry point, handling system prompts,
//     messages, tools and thinking configuration, cache_control cleanup,
//     thinking recovery, and schema sanitization.
//
// Response conversion:
//   - ConvertGoogleToAnthropic converts candidates, parts, function calls and
//     usage metadata back to Anthropic's shape, caching thinking signatures
//     for cross-model compatibility.
//
// Schema sanitization:
//   - SanitizeSchema strips unsupported JSON Schema features with an
//     allowlist; CleanSchema runs the fuller $ref/allOf/anyOf pipeline.
package format

import (
	"github.com/nullstream/antigravity-bridge/pkg/redis"
)

// Initialize sets up the format package with required dependencies
func Initialize(redisClient *redis.Client) {
	InitGlobalSignatureCache(redisClient)
}
