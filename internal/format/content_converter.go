package format

import (
	"strings"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// GooglePart represents a part in Google Generative AI format
type GooglePart struct {
	Text             string                   `json:"text,omitempty"`
	Thought          bool                     `json:"thought,omitempty"`
	ThoughtSignature string                   `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall            `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse        `json:"functionResponse,omitempty"`
	InlineData       *InlineData              `json:"inlineData,omitempty"`
	FileData         *FileData                `json:"fileData,omitempty"`
}

// FunctionCall represents a function call in Google format
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse represents a function response in Google format
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData represents inline data (e.g., base64 images)
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData represents file data (e.g., URL-referenced files)
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// ConvertRole converts Anthropic role to Google role
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	if role == "user" {
		return "user"
	}
	return "user" // Default to user
}

// sourcePart converts an image/document ImageSource into the matching Google
// part: inline base64 data, or a file reference with defaultMimeType applied
// when the source didn't specify one.
func sourcePart(src *ImageSource, defaultMimeType string) *GooglePart {
	if src == nil {
		return nil
	}
	switch src.Type {
	case "base64":
		return &GooglePart{InlineData: &InlineData{MimeType: src.MediaType, Data: src.Data}}
	case "url":
		mimeType := src.MediaType
		if mimeType == "" {
			mimeType = defaultMimeType
		}
		return &GooglePart{FileData: &FileData{MimeType: mimeType, FileURI: src.URL}}
	default:
		return nil
	}
}

// toolResultPayload renders a tool_result block's content as the text the
// upstream functionResponse carries, plus any images it contained (deferred
// separately, see Issue #91 handling below).
func toolResultPayload(content interface{}) (text string, images []GooglePart) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []interface{}:
		var texts []string
		for _, item := range c {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemType, _ := itemMap["type"].(string); itemType {
			case "image":
				if source, ok := itemMap["source"].(map[string]interface{}); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{MimeType: mimeType, Data: data}})
				}
			case "text":
				if t, ok := itemMap["text"].(string); ok {
					texts = append(texts, t)
				}
			}
		}
		return strings.Join(texts, "\n"), images
	case []ContentBlock:
		var texts []string
		for _, item := range c {
			if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GooglePart{InlineData: &InlineData{MimeType: item.Source.MediaType, Data: item.Source.Data}})
			} else if item.Type == "text" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n"), images
	default:
		return "", nil
	}
}

// ConvertContentToParts converts Anthropic message content to Google Generative AI parts
func ConvertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0)
	deferredInlineData := make([]GooglePart, 0) // Collect inlineData to add at the end (Issue #91)

	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Skip empty text blocks - they cause API errors
			if block.Text != "" && len(block.Text) > 0 {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image":
			if part := sourcePart(block.Source, "image/jpeg"); part != nil {
				parts = append(parts, *part)
			}

		case "document":
			if part := sourcePart(block.Source, "application/pdf"); part != nil {
				parts = append(parts, *part)
			}

		case "tool_use":
			// Convert tool_use to functionCall (Google format)
			functionCall := &FunctionCall{
				Name: block.Name,
				Args: block.Input,
			}

			if isClaudeModel && block.ID != "" {
				functionCall.ID = block.ID
			}

			part := GooglePart{FunctionCall: functionCall}

			// For Gemini models, include thoughtSignature at the part level
			if isGeminiModel {
				// Priority: block.thoughtSignature > cache > GEMINI_SKIP_SIGNATURE
				signature := block.ThoughtSignature

				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[ContentConverter] Restored signature from cache for: %s", block.ID)
					}
				}

				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			// Convert tool_result to functionResponse (Google format)
			responseContent := make(map[string]interface{})
			var imageParts []GooglePart

			if block.Content != nil {
				text, images := toolResultPayload(block.Content)
				imageParts = images
				switch {
				case text != "":
					responseContent["result"] = text
				case len(images) > 0:
					responseContent["result"] = "Image attached"
				default:
					responseContent["result"] = ""
				}
			}

			funcName := block.ToolUseID
			if funcName == "" {
				funcName = "unknown"
			}

			functionResponse := &FunctionResponse{
				Name:     funcName,
				Response: responseContent,
			}

			// For Claude models, the id field must match the tool_use_id
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}

			parts = append(parts, GooglePart{FunctionResponse: functionResponse})

			// Defer images from the tool result to end of parts array (Issue #91)
			deferredInlineData = append(deferredInlineData, imageParts...)

		case "thinking":
			// Handle thinking blocks with signature compatibility check
			if longEnough(block.Signature) {
				signatureFamily := cache.GetCachedSignatureFamily(block.Signature)
				var targetFamily string
				if isClaudeModel {
					targetFamily = "claude"
				} else if isGeminiModel {
					targetFamily = "gemini"
				}

				// Drop blocks with incompatible signatures for Gemini (cross-model switch)
				if isGeminiModel && signatureFamily != "" && targetFamily != "" && signatureFamily != targetFamily {
					utils.Debug("[ContentConverter] Dropping incompatible %s thinking for %s model", signatureFamily, targetFamily)
					continue
				}

				// Drop blocks with unknown signature origin for Gemini (cold cache - safe default)
				if isGeminiModel && signatureFamily == "" && targetFamily != "" {
					utils.Debug("[ContentConverter] Dropping thinking with unknown signature origin")
					continue
				}

				// Compatible - convert to Gemini format with signature
				parts = append(parts, GooglePart{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: block.Signature,
				})
			}
			// Unsigned thinking blocks are dropped (existing behavior)
		}
	}

	// Add deferred inlineData at the end (Issue #91)
	parts = append(parts, deferredInlineData...)

	return parts
}

// ConvertStringContentToParts converts string content to Google parts
func ConvertStringContentToParts(content string) []GooglePart {
	return []GooglePart{{Text: content}}
}

