package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nullstream/antigravity-bridge/internal/store"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

const accessTokenCacheTTL = 5 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Session drives the single active account's token lifecycle: access-token
// caching, refresh (de-duplicated across concurrent callers via
// singleflight), and re-discovery of the project id / tier on demand.
type Session struct {
	store store.Store

	mu     sync.RWMutex
	cached map[string]cachedToken

	refreshGroup singleflight.Group
}

// NewSession wraps store for single-account token lifecycle management.
func NewSession(s store.Store) *Session {
	return &Session{
		store:  s,
		cached: make(map[string]cachedToken),
	}
}

// GetAccessToken returns a usable access token for email, refreshing it if
// the cached one has expired. Concurrent calls for the same email share one
// in-flight refresh.
func (s *Session) GetAccessToken(ctx context.Context, email string) (string, error) {
	s.mu.RLock()
	tok, ok := s.cached[email]
	s.mu.RUnlock()
	if ok && tok.expiresAt.After(time.Now()) {
		return tok.token, nil
	}

	result, err, _ := s.refreshGroup.Do(email, func() (interface{}, error) {
		acc, found, err := s.store.Get(ctx, email)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("no stored account for %s", email)
		}

		utils.Debug("[Auth] Refreshing access token for %s", email)
		refreshed, err := RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			utils.Error("[Auth] Refresh failed for %s: %v", email, err)
			return "", err
		}
		utils.Success("[Auth] Refreshed access token for %s", email)
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	token := result.(string)
	s.mu.Lock()
	s.cached[email] = cachedToken{token: token, expiresAt: time.Now().Add(accessTokenCacheTTL)}
	s.mu.Unlock()
	return token, nil
}

// ClearCache drops every cached access token, forcing the next GetAccessToken
// call to refresh.
func (s *Session) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = make(map[string]cachedToken)
}

// ClearCacheForAccount drops the cached access token for one email.
func (s *Session) ClearCacheForAccount(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cached, email)
}

// RediscoverProject runs project discovery against the live access token and
// unconditionally overwrites the stored project id / tier with whatever
// comes back, per the proxy's conflict-resolution policy for re-discovery.
func (s *Session) RediscoverProject(ctx context.Context, email string) error {
	acc, found, err := s.store.Get(ctx, email)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no stored account for %s", email)
	}

	accessToken, err := s.GetAccessToken(ctx, email)
	if err != nil {
		return err
	}

	result, err := DiscoverProject(ctx, accessToken)
	if err != nil {
		return err
	}
	if result.ProjectID == "" {
		return nil
	}

	acc.ProjectID = result.ProjectID
	if result.Tier != "" {
		acc.Tier = result.Tier
	}
	acc.UpdatedAt = time.Now().UnixMilli()
	return s.store.Upsert(ctx, acc)
}
