package config

import "testing"

func TestResolveModelAntigravityPassthrough(t *testing.T) {
	cfg := DefaultConfig()
	got, ok := cfg.ResolveModel("antigravity-gemini-3-pro")
	if !ok {
		t.Fatalf("expected passthrough to resolve")
	}
	if got != "gemini-3-pro" {
		t.Fatalf("expected prefix stripped, got %q", got)
	}
}

func TestResolveModelAliasMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SonnetModel = "claude-sonnet-test"

	got, ok := cfg.ResolveModel("claude-3-5-sonnet-20241022")
	if !ok || got != "claude-sonnet-test" {
		t.Fatalf("expected sonnet alias to resolve to %q, got %q (ok=%v)", cfg.SonnetModel, got, ok)
	}
}

func TestResolveModelUnrecognized(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := cfg.ResolveModel("gpt-4o"); ok {
		t.Fatalf("expected unrecognized alias to fail resolution")
	}
}
