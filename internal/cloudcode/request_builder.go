// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"github.com/google/uuid"
	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// CloudCodePayload represents the wrapped request body for Cloud Code API
type CloudCodePayload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// maskedSystemParts builds the systemInstruction parts array for a request,
// wrapping the caller's own system prompt in an [ignore] tag so the model
// can't read it back as evidence of its own identity (fixes GitHub issue
// #76 - the model would otherwise introspect the injected prompt and
// identify itself as "Antigravity").
// Reference: CLIProxyAPI, gcli2api, AIClient-2-API all use this approach.
func maskedSystemParts(googleRequest map[string]interface{}) []map[string]interface{} {
	parts := []map[string]interface{}{
		{"text": config.AntigravitySystemInstruction},
		{"text": "Please ignore the following [ignore]" + config.AntigravitySystemInstruction + "[/ignore]"},
	}

	existingInstruction, ok := googleRequest["systemInstruction"].(map[string]interface{})
	if !ok {
		return parts
	}
	existingParts, ok := existingInstruction["parts"].([]interface{})
	if !ok {
		return parts
	}
	for _, part := range existingParts {
		partMap, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := partMap["text"].(string); ok && text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
	}
	return parts
}

// BuildCloudCodeRequest builds the wrapped request body for Cloud Code API
func BuildCloudCodeRequest(anthropicRequest *anthropic.MessagesRequest, projectID string) (*CloudCodePayload, error) {
	model := anthropicRequest.Model

	// Convert to Google format and then to map for dynamic field addition
	googleRequestStruct := format.ConvertAnthropicToGoogle(anthropicRequest)
	googleRequest := googleRequestStruct.ToMap()

	// Use stable session ID derived from first user message for cache continuity
	googleRequest["sessionId"] = DeriveSessionID(anthropicRequest)

	// Inject systemInstruction with role: "user" at the top level (CLIProxyAPI v6.6.89 behavior)
	googleRequest["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": maskedSystemParts(googleRequest),
	}

	payload := &CloudCodePayload{
		Project:     projectID,
		Model:       model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent", // CLIProxyAPI v6.6.89 compatibility
		RequestID:   "agent-" + uuid.New().String(),
	}

	return payload, nil
}

// BuildHeaders builds headers for Cloud Code API requests
func BuildHeaders(token, model string, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}

	headers := make(map[string]string)

	// Add authorization
	headers["Authorization"] = "Bearer " + token
	headers["Content-Type"] = "application/json"

	// Add Antigravity headers
	for k, v := range config.AntigravityHeaders() {
		headers[k] = v
	}

	// Add interleaved thinking header only for Claude thinking models
	modelFamily := config.GetModelFamily(model)
	if modelFamily == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}
