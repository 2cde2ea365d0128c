package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

func TestCountSimpleTextMessage(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello world"}}},
		},
	}
	got := Count(req)
	if got <= 0 {
		t.Fatalf("expected positive token count, got %d", got)
	}
}

func TestCountIncludesStringSystemPrompt(t *testing.T) {
	base := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}}},
	}
	withSystem := &anthropic.MessagesRequest{
		System:   "you are a helpful assistant with a long system prompt",
		Messages: base.Messages,
	}
	if Count(withSystem) <= Count(base) {
		t.Fatalf("expected system prompt to add tokens")
	}
}

func TestCountIncludesBlockSystemPrompt(t *testing.T) {
	req := &anthropic.MessagesRequest{
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "a reasonably long system instruction block"},
		},
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}}},
	}
	if Count(req) <= textTokens("hi")+perMessageOverhead {
		t.Fatalf("expected block-style system content to be counted")
	}
}

func TestCountIncludesToolDeclarations(t *testing.T) {
	withoutTools := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}}},
	}
	withTools := &anthropic.MessagesRequest{
		Messages: withoutTools.Messages,
		Tools: []anthropic.Tool{
			{Name: "get_weather", Description: "Look up the current weather for a city", InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)},
		},
	}
	if Count(withTools) <= Count(withoutTools) {
		t.Fatalf("expected tool declarations to add tokens")
	}
}

func TestTextTokensMinimumOne(t *testing.T) {
	if textTokens("a") != 1 {
		t.Fatalf("expected minimum of 1 token for non-empty text")
	}
	if textTokens("") != 0 {
		t.Fatalf("expected 0 tokens for empty text")
	}
}
