package format

import (
	"encoding/json"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// GoogleResponse is a non-streaming Cloud Code response envelope.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the wrapped form some Cloud Code endpoints use.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one candidate in a Cloud Code response.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent holds the parts of a candidate.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart is one part of a candidate's content.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall is a functionCall part.
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata reports token accounting from Cloud Code.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// GoogleResponseFromMap decodes a raw decoded-JSON map into a GoogleResponse.
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}

// ToolSchemas maps a declared tool name to its JSON Schema, used to drive
// argument repair against the schema the client actually declared.
type ToolSchemas map[string]map[string]interface{}

// BuildToolSchemas extracts a name->schema lookup from the request's tools.
func BuildToolSchemas(tools []anthropic.Tool) ToolSchemas {
	schemas := make(ToolSchemas, len(tools))
	for _, t := range tools {
		var schema map[string]interface{}
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		schemas[t.Name] = schema
	}
	return schemas
}

// mapFinishReason translates a Cloud Code finishReason into an Anthropic
// stop_reason, folding in the tool-use override when the response contains
// function calls regardless of what finishReason claims.
func MapFinishReason(finishReason string, hasToolCalls bool) string {
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "stop_sequence"
	case "OTHER", "FINISH_REASON_UNSPECIFIED":
		return "error"
	}
	if hasToolCalls || finishReason == "TOOL_USE" {
		return "tool_use"
	}
	return "end_turn"
}

// ConvertGoogleToAnthropic converts a Cloud Code response into an Anthropic
// MessagesResponse. schemas and lastUserText drive tool-call argument repair
// (internal/format/repair.go) when repairEnabled is set.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string, schemas ToolSchemas, lastUserText string, repairEnabled bool) *anthropic.MessagesResponse {
	var candidates []Candidate
	var usageMetadata *UsageMetadata

	if googleResponse.Response != nil {
		candidates = googleResponse.Response.Candidates
		usageMetadata = googleResponse.Response.UsageMetadata
	} else {
		candidates = googleResponse.Candidates
		usageMetadata = googleResponse.UsageMetadata
	}

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	anthropicContent := make([]anthropic.ContentBlock, 0)
	hasToolCalls := false

	cache := GetGlobalSignatureCache()

	for _, part := range parts {
		switch {
		case part.Text != "":
			if part.Thought {
				signature := part.ThoughtSignature
				if signature != "" && len(signature) >= config.MinSignatureLength {
					modelFamily := config.GetModelFamily(model)
					cache.CacheThinkingSignature(signature, string(modelFamily))
				}
				anthropicContent = append(anthropicContent, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: signature,
				})
			} else {
				anthropicContent = append(anthropicContent, anthropic.ContentBlock{
					Type: "text",
					Text: part.Text,
				})
			}

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			repaired := RepairToolArgs(part.FunctionCall.Args, schemas[part.FunctionCall.Name], lastUserText, repairEnabled)
			inputJSON, err := json.Marshal(repaired)
			if err != nil {
				inputJSON = json.RawMessage("{}")
			}

			toolUseBlock := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}

			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				toolUseBlock.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}

			anthropicContent = append(anthropicContent, toolUseBlock)
			hasToolCalls = true

		case part.InlineData != nil:
			anthropicContent = append(anthropicContent, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	stopReason := MapFinishReason(firstCandidate.FinishReason, hasToolCalls)

	var promptTokens, cachedTokens, outputTokens int
	if usageMetadata != nil {
		promptTokens = usageMetadata.PromptTokenCount
		cachedTokens = usageMetadata.CachedContentTokenCount
		outputTokens = usageMetadata.CandidatesTokenCount
	}

	if len(anthropicContent) == 0 {
		anthropicContent = append(anthropicContent, anthropic.ContentBlock{
			Type: "text",
			Text: "",
		})
	}

	return &anthropic.MessagesResponse{
		ID:           anthropic.GenerateMessageID(),
		Type:         "message",
		Role:         "assistant",
		Content:      anthropicContent,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: &anthropic.Usage{
			InputTokens:              promptTokens - cachedTokens,
			OutputTokens:              outputTokens,
			CacheReadInputTokens:      cachedTokens,
			CacheCreationInputTokens:  0,
		},
	}
}
