// Package auth implements the Google OAuth2 PKCE login flow and the token
// refresh / project-discovery logic that keeps a stored account usable.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/nullstream/antigravity-bridge/internal/config"
)

// pkceVerifierBytes is the number of random bytes behind the code verifier.
// Google accepts any RFC 7636 verifier between 43 and 128 base64url characters;
// 64 raw bytes (86 base64url characters) is used here for headroom over a
// shorter verifier without the wasted entropy of the full 96-byte ceiling.
const pkceVerifierBytes = 64

// PKCE holds the PKCE code verifier and its SHA256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and challenge pair.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURLResult contains the authorization URL and the PKCE/state
// values the caller must hold onto until the callback arrives.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds the Google consent-screen URL for a fresh login.
func GetAuthorizationURL(redirectURI string) (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURLResult{
		URL:      fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// CodeExtractResult is the authorization code (and echoed state) pulled from
// whatever the user pasted back into the CLI.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either a full callback URL or a bare code.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	if input == "" {
		return nil, fmt.Errorf("no input provided")
	}
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("oauth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}
