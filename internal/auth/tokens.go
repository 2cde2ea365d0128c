package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// OAuthTokens is the raw token-endpoint response.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

// ExchangeCode exchanges an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*OAuthTokens, error) {
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}
	data := formValues(map[string]string{
		"client_id":     config.OAuthConfig.ClientID,
		"client_secret": config.OAuthConfig.ClientSecret,
		"code":          code,
		"code_verifier": verifier,
		"grant_type":    "authorization_code",
		"redirect_uri":  redirectURI,
	})

	var tokens OAuthTokens
	if err := postForm(ctx, config.OAuthConfig.TokenURL, data, &tokens); err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	utils.Info("[OAuth] Token exchange successful")
	return &tokens, nil
}

// RefreshResult is the subset of the refresh response the caller needs.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	data := formValues(map[string]string{
		"client_id":     config.OAuthConfig.ClientID,
		"client_secret": config.OAuthConfig.ClientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := postForm(ctx, config.OAuthConfig.TokenURL, data, &result); err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// ExtractEmail returns the account email for a freshly issued token set.
// The id_token is trusted without signature verification (the token store
// only ever uses this to label a record the user themselves just consented
// to) and used as the primary source; the userinfo endpoint is a fallback
// for the rare id_token-less response.
func ExtractEmail(ctx context.Context, tokens *OAuthTokens) (string, error) {
	if tokens.IDToken != "" {
		if email, err := emailFromIDToken(tokens.IDToken); err == nil && email != "" {
			return email, nil
		}
	}
	return getUserEmailFromUserInfo(ctx, tokens.AccessToken)
}

func emailFromIDToken(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("id_token is not a JWT")
	}
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("cannot base64-decode id_token payload: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return "", fmt.Errorf("cannot parse id_token claims: %w", err)
	}
	return claims.Email, nil
}

func getUserEmailFromUserInfo(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d %s", resp.StatusCode, string(body))
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo.Email, nil
}

func formValues(values map[string]string) string {
	v := url.Values{}
	for k, val := range values {
		v.Set(k, val)
	}
	return v.Encode()
}

func postForm(ctx context.Context, endpoint, body string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
