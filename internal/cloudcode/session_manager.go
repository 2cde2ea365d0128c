// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// sessionIDHashBytes is how many bytes of the sha256 digest become the
// session id (32 hex chars) — short enough to stay cheap as a cache key,
// long enough that collisions between unrelated conversations are a
// non-concern.
const sessionIDHashBytes = 16

// DeriveSessionID derives a stable session ID from the first user turn that
// carries text, so the same conversation keeps the same session ID across
// turns and benefits from prompt caching (which Cloud Code scopes to
// session + organization). Conversations with no user text yet (e.g. the
// very first assistant-authored turn of a resumed session) get a random
// fallback instead of colliding on an empty-string hash.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	if text := firstUserText(request.Messages); text != "" {
		digest := sha256.Sum256([]byte(text))
		return hex.EncodeToString(digest[:sessionIDHashBytes])
	}
	return uuid.New().String()
}

// firstUserText returns the flattened text of the first user message that
// has any, skipping user turns that are tool-result-only or otherwise
// textless.
func firstUserText(messages []anthropic.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		if text := flattenText(msg); text != "" {
			return text
		}
	}
	return ""
}

// flattenText joins a message's text blocks in order, one per line.
func flattenText(msg anthropic.Message) string {
	var lines []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			lines = append(lines, block.Text)
		}
	}
	return strings.Join(lines, "\n")
}
