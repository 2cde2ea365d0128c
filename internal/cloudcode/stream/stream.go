// Package stream turns a Cloud Code streamGenerateContent SSE body into the
// sequence of Anthropic Messages API SSE events Claude Code expects.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/nullstream/antigravity-bridge/internal/config"
	proxyerrors "github.com/nullstream/antigravity-bridge/internal/errors"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/internal/utils"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// Event is one Anthropic Messages API SSE event.
type Event struct {
	Type         string                  `json:"type"`
	Index        int                     `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock    `json:"content_block,omitempty"`
	Delta        map[string]interface{}     `json:"delta,omitempty"`
	Usage        *anthropic.Usage           `json:"usage,omitempty"`
}

// functionCall is a functionCall part in a Cloud Code SSE payload.
type functionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

type part struct {
	Thought          bool          `json:"thought,omitempty"`
	Text             string        `json:"text,omitempty"`
	ThoughtSignature string        `json:"thoughtSignature,omitempty"`
	FunctionCall     *functionCall `json:"functionCall,omitempty"`
	InlineData       *inlineData   `json:"inlineData,omitempty"`
}

type content struct {
	Parts []part `json:"parts,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type innerResponse struct {
	Candidates    []candidate    `json:"candidates,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type chunk struct {
	Response      *innerResponse `json:"response,omitempty"`
	Candidates    []candidate    `json:"candidates,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

// Options configures how tool-call arguments are repaired as they stream.
type Options struct {
	Schemas       format.ToolSchemas
	LastUserText  string
	RepairEnabled bool
}

// Run reads a Cloud Code SSE body and emits the equivalent Anthropic SSE
// event sequence on events. It closes both channels when the body is
// exhausted or an error occurs. A response with zero content parts is
// reported via errors.NewEmptyResponse so the caller can retry or fall back.
func Run(reader io.Reader, originalModel string, opts Options) (<-chan *Event, <-chan error) {
	events := make(chan *Event, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		messageID := anthropic.GenerateMessageID()
		hasEmittedStart := false
		blockIndex := 0
		var currentBlockType string
		var currentThinkingSignature string
		inputTokens, outputTokens, cacheReadTokens := 0, 0, 0
		var stopReason string
		hasToolCalls := false

		cache := format.GetGlobalSignatureCache()

		scanner := bufio.NewScanner(reader)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		closeBlock := func() {
			if currentBlockType == "thinking" && currentThinkingSignature != "" {
				events <- &Event{
					Type:  "content_block_delta",
					Index: blockIndex,
					Delta: map[string]interface{}{
						"type":      "signature_delta",
						"signature": currentThinkingSignature,
					},
				}
				currentThinkingSignature = ""
			}
			if currentBlockType != "" {
				events <- &Event{Type: "content_block_stop", Index: blockIndex}
				blockIndex++
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var data chunk
			if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
				utils.Warn("[Stream] SSE parse error: %v, raw: %.100s", err, jsonText)
				continue
			}

			inner := data.Response
			if inner == nil {
				inner = &innerResponse{Candidates: data.Candidates, UsageMetadata: data.UsageMetadata}
			}

			if inner.UsageMetadata != nil {
				inputTokens = maxInt(inputTokens, inner.UsageMetadata.PromptTokenCount)
				outputTokens = maxInt(outputTokens, inner.UsageMetadata.CandidatesTokenCount)
				cacheReadTokens = maxInt(cacheReadTokens, inner.UsageMetadata.CachedContentTokenCount)
			}

			if len(inner.Candidates) == 0 {
				continue
			}

			first := inner.Candidates[0]
			if first.Content == nil {
				if first.FinishReason != "" && stopReason == "" {
					stopReason = format.MapFinishReason(first.FinishReason, hasToolCalls)
				}
				continue
			}

			if !hasEmittedStart && len(first.Content.Parts) > 0 {
				hasEmittedStart = true
				events <- &Event{
					Type: "message_start",
					Message: &anthropic.MessagesResponse{
						ID:         messageID,
						Type:       "message",
						Role:       "assistant",
						Content:    []anthropic.ContentBlock{},
						Model:      originalModel,
						StopReason: "",
						Usage: &anthropic.Usage{
							InputTokens:          inputTokens - cacheReadTokens,
							CacheReadInputTokens: cacheReadTokens,
						},
					},
				}
			}

			for _, p := range first.Content.Parts {
				switch {
				case p.Thought:
					if currentBlockType != "thinking" {
						closeBlock()
						currentBlockType = "thinking"
						currentThinkingSignature = ""
						events <- &Event{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "thinking", Thinking: ""},
						}
					}
					if p.ThoughtSignature != "" && len(p.ThoughtSignature) >= config.MinSignatureLength {
						currentThinkingSignature = p.ThoughtSignature
						cache.CacheThinkingSignature(p.ThoughtSignature, string(config.GetModelFamily(originalModel)))
					}
					events <- &Event{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{"type": "thinking_delta", "thinking": p.Text},
					}

				case p.Text != "":
					if currentBlockType != "text" {
						closeBlock()
						currentBlockType = "text"
						events <- &Event{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""},
						}
					}
					events <- &Event{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{"type": "text_delta", "text": p.Text},
					}

				case p.FunctionCall != nil:
					hasToolCalls = true
					signature := p.ThoughtSignature
					closeBlock()
					currentBlockType = "tool_use"

					toolID := p.FunctionCall.ID
					if toolID == "" {
						toolID = anthropic.GenerateToolUseID()
					}

					toolUseBlock := &anthropic.ContentBlock{Type: "tool_use", ID: toolID, Name: p.FunctionCall.Name}
					if signature != "" && len(signature) >= config.MinSignatureLength {
						toolUseBlock.ThoughtSignature = signature
						cache.CacheSignature(toolID, signature)
					}
					events <- &Event{Type: "content_block_start", Index: blockIndex, ContentBlock: toolUseBlock}

					repaired := format.RepairToolArgs(p.FunctionCall.Args, opts.Schemas[p.FunctionCall.Name], opts.LastUserText, opts.RepairEnabled)
					argsJSON, _ := json.Marshal(repaired)
					events <- &Event{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": string(argsJSON)},
					}

				case p.InlineData != nil:
					closeBlock()
					currentBlockType = "image"
					events <- &Event{
						Type:  "content_block_start",
						Index: blockIndex,
						ContentBlock: &anthropic.ContentBlock{
							Type:   "image",
							Source: &anthropic.ImageSource{Type: "base64", MediaType: p.InlineData.MimeType, Data: p.InlineData.Data},
						},
					}
					events <- &Event{Type: "content_block_stop", Index: blockIndex}
					blockIndex++
					currentBlockType = ""
				}
			}

			if first.FinishReason != "" && stopReason == "" {
				stopReason = format.MapFinishReason(first.FinishReason, hasToolCalls)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !hasEmittedStart {
			utils.Warn("[Stream] No content parts received from upstream")
			errs <- proxyerrors.NewEmptyResponse("no content parts received from API")
			return
		}

		closeBlock()

		if stopReason == "" {
			stopReason = "end_turn"
		}

		events <- &Event{
			Type: "message_delta",
			Delta: map[string]interface{}{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			Usage: &anthropic.Usage{
				OutputTokens:         outputTokens,
				CacheReadInputTokens: cacheReadTokens,
			},
		}
		events <- &Event{Type: "message_stop"}
	}()

	return events, errs
}

// EmptyFallback emits a minimal response for when every retry attempt still
// produced an empty stream, so the client gets something rather than hanging.
func EmptyFallback(events chan<- *Event, model string) {
	events <- &Event{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &Event{Type: "content_block_start", Index: 0, ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""}}
	events <- &Event{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{"type": "text_delta", "text": "[No response after retries - please try again]"},
	}
	events <- &Event{Type: "content_block_stop", Index: 0}
	events <- &Event{
		Type:  "message_delta",
		Delta: map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
		Usage: &anthropic.Usage{},
	}
	events <- &Event{Type: "message_stop"}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
