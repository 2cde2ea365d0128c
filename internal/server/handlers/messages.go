// Package handlers provides HTTP request handlers for the server.
// This file handles the main /v1/messages endpoint.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode/stream"
	"github.com/nullstream/antigravity-bridge/internal/config"
	proxyerrors "github.com/nullstream/antigravity-bridge/internal/errors"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/internal/tokencount"
	"github.com/nullstream/antigravity-bridge/internal/utils"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// eventStream frames outbound `*stream.Event`s as Server-Sent Events for the
// Messages API's streaming clients: "event: <type>\ndata: <json>\n\n", flushed
// immediately so a client never waits on proxy-side buffering. Headers are
// set at construction rather than through a separate call, since a stream
// that fails to open (client doesn't support flushing) should never write a
// body at all.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	return &eventStream{w: w, flusher: flusher}, nil
}

// send writes one bridge event as an SSE frame.
func (es *eventStream) send(ev *stream.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(es.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	es.flusher.Flush()
	return nil
}

// sendError writes an Anthropic-shaped error event and flushes it as the
// stream's final frame.
func (es *eventStream) sendError(errorType, message string) error {
	payload, err := json.Marshal(gin.H{
		"type":  "error",
		"error": gin.H{"type": errorType, "message": message},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(es.w, "event: error\ndata: %s\n\n", payload); err != nil {
		return err
	}
	es.flusher.Flush()
	return nil
}

// MessagesHandler handles the /v1/messages endpoints.
type MessagesHandler struct {
	dispatcher      *cloudcode.Dispatcher
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a new MessagesHandler.
func NewMessagesHandler(dispatcher *cloudcode.Dispatcher, cfg *config.Config, fallbackEnabled bool) *MessagesHandler {
	return &MessagesHandler{dispatcher: dispatcher, cfg: cfg, fallbackEnabled: fallbackEnabled}
}

// Messages handles POST /v1/messages - Anthropic Messages API compatible.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	upstreamModel, ok := h.cfg.ResolveModel(req.Model)
	if !ok {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Unrecognized model alias: "+req.Model+". Use an antigravity-, haiku, sonnet, or opus name.")
		return
	}
	req.Model = upstreamModel

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	schemas := format.BuildToolSchemas(req.Tools)
	lastUserText := lastUserText(&req)
	repair := cloudcode.RepairOptions{
		Schemas:       schemas,
		LastUserText:  lastUserText,
		RepairEnabled: h.cfg.EnableHeuristicRepair,
	}

	if req.Stream {
		h.handleStreamingResponse(c, &req, repair)
	} else {
		h.handleNonStreamingResponse(c, &req, repair)
	}
}

func lastUserText(req *anthropic.MessagesRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

func (h *MessagesHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest, repair cloudcode.RepairOptions) {
	ctx := c.Request.Context()

	events, errs := h.dispatcher.SendMessageStream(ctx, req, h.fallbackEnabled, repair)

	var firstEvent *stream.Event
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = proxyerrors.NewEmptyResponse("no response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, statusCode, errorMessage := parseError(firstErr)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	es, err := newEventStream(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to open event stream: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	c.Writer.Flush()

	if firstEvent != nil {
		if err := es.send(firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := es.send(event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, errorMessage := parseError(err)
				es.sendError(errorType, errorMessage)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *MessagesHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest, repair cloudcode.RepairOptions) {
	ctx := c.Request.Context()

	response, err := h.dispatcher.SendMessage(ctx, req, h.fallbackEnabled, repair)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := parseError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type":  "error",
		"error": gin.H{"type": errorType, "message": message},
	})
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": tokencount.Count(&req)})
}

// parseError classifies a ProxyError (or, failing that, the error's message
// text) into the Anthropic error envelope shape.
func parseError(err error) (string, int, string) {
	if pe, ok := proxyerrors.As(err); ok {
		switch pe.Kind {
		case proxyerrors.KindAuthFailed, proxyerrors.KindAuthRequired:
			return "authentication_error", http.StatusUnauthorized, "Authentication failed. Re-run login to refresh your credentials."
		case proxyerrors.KindRateLimited:
			return "invalid_request_error", http.StatusBadRequest, "You have exhausted your capacity on this model. Please wait for your quota to reset."
		case proxyerrors.KindUpstream4xxOther:
			return "invalid_request_error", pe.Status, pe.Message
		case proxyerrors.KindEndpointUnavailable, proxyerrors.KindUpstream5xx:
			return "api_error", http.StatusServiceUnavailable, "Unable to reach the upstream API. Please retry."
		default:
			return "api_error", proxyerrors.HTTPStatus(err), pe.Message
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "context canceled") {
		return "api_error", 499, "client closed the connection"
	}
	return "api_error", http.StatusInternalServerError, msg
}
