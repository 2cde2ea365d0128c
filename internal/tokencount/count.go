// Package tokencount approximates the Anthropic Messages API's
// count_tokens endpoint. No tokenizer library ships anywhere in the
// corpus this proxy was built from, so this is a character-ratio
// heuristic rather than a real BPE count.
package tokencount

import (
	"unicode/utf8"

	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// charsPerToken approximates English text at ~4 characters per token, the
// same ratio commonly cited for Claude/GPT-family tokenizers.
const charsPerToken = 4.0

// perMessageOverhead accounts for role/structure tokens Anthropic's real
// tokenizer spends per message that plain content text doesn't capture.
const perMessageOverhead = 4

// Count approximates the input token count for a Messages API request: the
// system prompt, every message's text content, and tool declarations.
func Count(req *anthropic.MessagesRequest) int {
	total := 0

	switch s := req.System.(type) {
	case string:
		total += textTokens(s)
	case []interface{}:
		for _, block := range s {
			if blockMap, ok := block.(map[string]interface{}); ok {
				if text, ok := blockMap["text"].(string); ok {
					total += textTokens(text)
				}
			}
		}
	}

	for _, msg := range req.Messages {
		total += perMessageOverhead
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				total += textTokens(block.Text)
			case "tool_use":
				total += textTokens(string(block.Input)) + textTokens(block.Name)
			case "tool_result":
				if s, ok := block.Content.(string); ok {
					total += textTokens(s)
				}
			case "thinking":
				total += textTokens(block.Thinking)
			}
		}
	}

	for _, tool := range req.Tools {
		total += textTokens(tool.Description) + textTokens(string(tool.InputSchema)) + textTokens(tool.Name)
	}

	return total
}

func textTokens(s string) int {
	if s == "" {
		return 0
	}
	chars := utf8.RuneCountInString(s)
	tokens := int(float64(chars)/charsPerToken + 0.5)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
