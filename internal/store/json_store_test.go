package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *JSONStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewJSONStore(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	return s
}

func TestJSONStoreUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	acc := Account{Email: "a@example.com", RefreshToken: "tok", CreatedAt: 100}
	if err := s.Upsert(ctx, acc); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, found, err := s.Get(ctx, "a@example.com")
	if err != nil || !found {
		t.Fatalf("expected stored account, found=%v err=%v", found, err)
	}
	if got.RefreshToken != "tok" {
		t.Fatalf("expected refresh token round-trip, got %q", got.RefreshToken)
	}
}

func TestJSONStoreUpsertOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Upsert(ctx, Account{Email: "a@example.com", RefreshToken: "old", CreatedAt: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, Account{Email: "a@example.com", RefreshToken: "new", CreatedAt: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	accounts, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected exactly one stored account, got %d", len(accounts))
	}
	if accounts[0].RefreshToken != "new" {
		t.Fatalf("expected overwrite, got refresh token %q", accounts[0].RefreshToken)
	}
}

func TestJSONStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Upsert(ctx, Account{Email: "a@example.com", CreatedAt: 1})
	if err := s.Remove(ctx, "a@example.com"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, _ := s.Get(ctx, "a@example.com"); found {
		t.Fatalf("expected account to be removed")
	}
}

func TestActiveAccountPicksEarliestCreated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Upsert(ctx, Account{Email: "second@example.com", CreatedAt: 200})
	_ = s.Upsert(ctx, Account{Email: "first@example.com", CreatedAt: 100})

	acc, found, err := ActiveAccount(ctx, s)
	if err != nil || !found {
		t.Fatalf("expected an active account, found=%v err=%v", found, err)
	}
	if acc.Email != "first@example.com" {
		t.Fatalf("expected earliest-created account, got %q", acc.Email)
	}
}

func TestActiveAccountNoneStored(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, found, err := ActiveAccount(ctx, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no active account on empty store")
	}
}
