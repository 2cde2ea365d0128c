package cloudcode

import (
	"testing"

	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

func TestDeriveSessionIDStableForSameContent(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello there"}}},
		},
	}
	first := DeriveSessionID(req)
	second := DeriveSessionID(req)
	if first != second {
		t.Fatalf("expected stable session id, got %q then %q", first, second)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(first), first)
	}
}

func TestDeriveSessionIDDiffersForDifferentContent(t *testing.T) {
	a := &anthropic.MessagesRequest{Messages: []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "alpha"}}},
	}}
	b := &anthropic.MessagesRequest{Messages: []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "bravo"}}},
	}}
	if DeriveSessionID(a) == DeriveSessionID(b) {
		t.Fatalf("expected different content to produce different session ids")
	}
}

func TestDeriveSessionIDFallsBackToUUIDWithoutUserText(t *testing.T) {
	req := &anthropic.MessagesRequest{Messages: []anthropic.Message{
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "no user turn yet"}}},
	}}
	id := DeriveSessionID(req)
	if len(id) != 36 {
		t.Fatalf("expected a UUID fallback (36 chars), got %d (%q)", len(id), id)
	}
}
