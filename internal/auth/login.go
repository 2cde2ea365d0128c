package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/store"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// LoginResult is the account record produced by a completed login flow.
type LoginResult struct {
	Account store.Account
}

// CompleteLogin exchanges code for tokens, resolves the account's email,
// discovers its project id and tier, and upserts the resulting record into
// st. verifier is the PKCE verifier generated alongside the authorization
// URL that produced code.
func CompleteLogin(ctx context.Context, st store.Store, code, verifier, redirectURI string) (*LoginResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	email, err := ExtractEmail(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account email: %w", err)
	}
	if email == "" {
		return nil, fmt.Errorf("oauth response did not include an email")
	}

	discovery, err := DiscoverProject(ctx, tokens.AccessToken)
	if err != nil {
		utils.Warn("[OAuth] Project discovery failed during login for %s: %v", email, err)
	}

	now := time.Now().UnixMilli()
	acc := store.Account{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		ProjectID:    discovery.ProjectID,
		Tier:         discovery.Tier,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if existing, found, err := st.Get(ctx, email); err == nil && found {
		acc.CreatedAt = existing.CreatedAt
		if acc.RefreshToken == "" {
			// Google omits refresh_token on re-consent when one was already
			// issued for this client; keep the one we have.
			acc.RefreshToken = existing.RefreshToken
		}
	}

	if err := st.Upsert(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to persist account: %w", err)
	}

	utils.Success("[OAuth] Logged in as %s (project=%s tier=%s)", email, acc.ProjectID, acc.Tier)
	return &LoginResult{Account: acc}, nil
}
