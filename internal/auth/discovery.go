package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// DiscoveryResult is what a successful project-id lookup produces.
type DiscoveryResult struct {
	ProjectID string
	Tier      string
}

// DiscoverProject runs loadCodeAssist against the prod-pinned endpoint order
// and, when no project comes back, falls through to onboardUser. Any project
// id this returns should unconditionally replace whatever was previously
// stored — discovery intentionally does not try to reconcile with a stale
// value.
func DiscoverProject(ctx context.Context, accessToken string) (DiscoveryResult, error) {
	var lastResponse map[string]interface{}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, data, err := tryLoadCodeAssist(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[OAuth] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return DiscoveryResult{ProjectID: projectID, Tier: currentTier(data)}, nil
		}
		lastResponse = data
		break // got a response, just no project yet; try onboarding below
	}

	if lastResponse == nil {
		return DiscoveryResult{}, nil
	}

	tierID := defaultTierID(lastResponse)
	if tierID == "" {
		tierID = "FREE"
	}
	utils.Info("[OAuth] No project in loadCodeAssist response, onboarding with tier %s", tierID)

	projectID, err := OnboardUser(ctx, accessToken, tierID, "")
	if err != nil || projectID == "" {
		return DiscoveryResult{Tier: tierID}, nil
	}
	utils.Success("[OAuth] Onboarded, project: %s", projectID)
	return DiscoveryResult{ProjectID: projectID, Tier: tierID}, nil
}

func tryLoadCodeAssist(ctx context.Context, accessToken, endpoint string) (string, map[string]interface{}, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, data, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, data, nil
		}
	}
	// allowedIntegrations[*].projectId is the other shape seen for
	// already-provisioned-but-unlinked accounts.
	if integrations, ok := data["allowedIntegrations"].([]interface{}); ok {
		for _, raw := range integrations {
			if integration, ok := raw.(map[string]interface{}); ok {
				if projectID, ok := integration["projectId"].(string); ok && projectID != "" {
					return projectID, data, nil
				}
			}
		}
	}

	return "", data, nil
}

// currentTier resolves subscription tier with paidTier taking priority over
// currentTier, which in turn takes priority over the first allowedTiers entry.
func currentTier(data map[string]interface{}) string {
	if paidTier, ok := data["paidTier"].(map[string]interface{}); ok {
		if id, ok := paidTier["id"].(string); ok && id != "" {
			return id
		}
	}
	if cur, ok := data["currentTier"].(map[string]interface{}); ok {
		if id, ok := cur["id"].(string); ok && id != "" {
			return id
		}
	}
	return defaultTierID(data)
}

func defaultTierID(data map[string]interface{}) string {
	allowedTiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowedTiers) == 0 {
		return ""
	}
	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, ok := tierMap["isDefault"].(bool); ok && isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}
	if firstTier, ok := allowedTiers[0].(map[string]interface{}); ok {
		if id, ok := firstTier["id"].(string); ok {
			return id
		}
	}
	return ""
}

// OnboardUser provisions a managed project for an account that loadCodeAssist
// reported as project-less. tierID is the raw API value (e.g. "free-tier").
func OnboardUser(ctx context.Context, token, tierID, projectID string) (string, error) {
	const maxAttempts = 10
	const delay = 5 * time.Second

	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		metadata["duetProject"] = projectID
	}
	requestBody := map[string]interface{}{"tierId": tierID, "metadata": metadata}

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := tryOnboardUser(ctx, endpoint, token, requestBody)
			if err != nil {
				utils.Warn("[Onboarding] onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, _ := result["done"].(bool); done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							return id, nil
						}
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
			}
		}
	}

	return "", fmt.Errorf("all onboarding attempts failed")
}

func tryOnboardUser(ctx context.Context, endpoint, token string, requestBody map[string]interface{}) (map[string]interface{}, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:onboardUser", strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
