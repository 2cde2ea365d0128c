package cloudcode

import (
	"encoding/json"
	"io"

	"github.com/nullstream/antigravity-bridge/internal/cloudcode/stream"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// ParseThinkingSSEResponse accumulates a full non-streaming response for a
// thinking model by driving it through the streaming parser and folding the
// resulting SSE events into one message: Cloud Code's non-streaming endpoint
// never returns thought parts for thinking models, so those requests are
// always issued against streamGenerateContent and reassembled here.
func ParseThinkingSSEResponse(reader io.Reader, originalModel string, schemas format.ToolSchemas, lastUserText string, repairEnabled bool) (*anthropic.MessagesResponse, error) {
	events, errs := stream.Run(reader, originalModel, stream.Options{
		Schemas:       schemas,
		LastUserText:  lastUserText,
		RepairEnabled: repairEnabled,
	})

	var msg *anthropic.MessagesResponse
	blocks := map[int]*anthropic.ContentBlock{}
	var order []int
	var partialJSON = map[int]string{}

	for ev := range events {
		switch ev.Type {
		case "message_start":
			msg = ev.Message
		case "content_block_start":
			block := *ev.ContentBlock
			blocks[ev.Index] = &block
			order = append(order, ev.Index)
		case "content_block_delta":
			block, ok := blocks[ev.Index]
			if !ok {
				continue
			}
			switch ev.Delta["type"] {
			case "text_delta":
				block.Text += ev.Delta["text"].(string)
			case "thinking_delta":
				block.Thinking += ev.Delta["thinking"].(string)
			case "signature_delta":
				block.Signature = ev.Delta["signature"].(string)
			case "input_json_delta":
				partialJSON[ev.Index] += ev.Delta["partial_json"].(string)
			}
		case "message_delta":
			if msg != nil {
				if sr, ok := ev.Delta["stop_reason"].(string); ok {
					msg.StopReason = sr
				}
				if ev.Usage != nil && msg.Usage != nil {
					msg.Usage.OutputTokens = ev.Usage.OutputTokens
					msg.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
				}
			}
		}
	}

	if err := <-errs; err != nil {
		return nil, err
	}

	if msg == nil {
		return nil, nil
	}

	for _, idx := range order {
		block := blocks[idx]
		if block.Type == "tool_use" {
			block.Input = json.RawMessage(partialJSON[idx])
		}
		msg.Content = append(msg.Content, *block)
	}

	return msg, nil
}
