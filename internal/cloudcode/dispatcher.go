// Package cloudcode talks to Google's Cloud Code internal API
// (v1internal:generateContent / streamGenerateContent) on behalf of the
// single active account, rotating across the endpoint pool on rate limits
// and server errors and falling back to an alternate model when configured.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/auth"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode/quota"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode/stream"
	"github.com/nullstream/antigravity-bridge/internal/config"
	proxyerrors "github.com/nullstream/antigravity-bridge/internal/errors"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/internal/store"
	"github.com/nullstream/antigravity-bridge/internal/utils"
	"github.com/nullstream/antigravity-bridge/pkg/anthropic"
)

// Dispatcher sends converted requests to Cloud Code through the endpoint
// pool, using the active account's access token and retrying/falling back
// per the same error taxonomy the teacher's multi-account handlers used,
// collapsed onto a single account.
type Dispatcher struct {
	session    *auth.Session
	store      store.Store
	pool       *quota.Pool
	httpClient *http.Client
}

// NewDispatcher wires a Dispatcher over the active account's session, its
// persisted store (for project id), and the shared endpoint pool.
func NewDispatcher(session *auth.Session, st store.Store, pool *quota.Pool) *Dispatcher {
	return &Dispatcher{
		session: session,
		store:   st,
		pool:    pool,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// RepairOptions carries the tool-argument repair context for a request, so
// call sites don't need to know about internal/format's plumbing directly.
type RepairOptions struct {
	Schemas       format.ToolSchemas
	LastUserText  string
	RepairEnabled bool
}

func (d *Dispatcher) activeAccount(ctx context.Context) (store.Account, string, error) {
	acc, found, err := store.ActiveAccount(ctx, d.store)
	if err != nil {
		return store.Account{}, "", err
	}
	if !found {
		return store.Account{}, "", proxyerrors.NewAuthRequired("no account is logged in")
	}
	token, err := d.session.GetAccessToken(ctx, acc.Email)
	if err != nil {
		return store.Account{}, "", proxyerrors.NewAuthFailed(err, "failed to refresh access token for %s", acc.Email)
	}
	return acc, token, nil
}

// SendMessage sends a non-streaming request. Thinking models are always
// driven through the SSE endpoint and their parts accumulated, since
// generateContent never returns thinking blocks.
func (d *Dispatcher) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, repair RepairOptions) (*anthropic.MessagesResponse, error) {
	model := req.Model
	isThinking := config.IsThinkingModel(model)

	acc, token, err := d.activeAccount(ctx)
	if err != nil {
		return nil, err
	}
	projectID := acc.ProjectID
	if projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(req, projectID)
	if err != nil {
		return nil, err
	}

	var accept, pathSuffix string
	if isThinking {
		accept, pathSuffix = "text/event-stream", "/v1internal:streamGenerateContent?alt=sse"
	} else {
		accept, pathSuffix = "application/json", "/v1internal:generateContent"
	}

	resp, err := d.roundTrip(ctx, payload, token, model, accept, pathSuffix)
	if err != nil {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] %s exhausted all endpoints, falling back to %s", model, fallbackModel)
				fallbackReq := *req
				fallbackReq.Model = fallbackModel
				return d.SendMessage(ctx, &fallbackReq, false, repair)
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if isThinking {
		result, err := ParseThinkingSSEResponse(resp.Body, model, repair.Schemas, repair.LastUserText, repair.RepairEnabled)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, proxyerrors.NewInternal(err, "decoding cloud code response")
	}
	googleResp := format.GoogleResponseFromMap(data)
	lastUserText := repair.LastUserText
	return format.ConvertGoogleToAnthropic(googleResp, model, repair.Schemas, lastUserText, repair.RepairEnabled), nil
}

// SendMessageStream sends a streaming request and yields Anthropic SSE
// events as they arrive, with empty-response retry/fallback handling.
func (d *Dispatcher) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, repair RepairOptions) (<-chan *stream.Event, <-chan error) {
	events := make(chan *stream.Event, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if err := d.streamWithRetry(ctx, req, fallbackEnabled, repair, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (d *Dispatcher) streamWithRetry(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, repair RepairOptions, events chan<- *stream.Event) error {
	model := req.Model

	acc, token, err := d.activeAccount(ctx)
	if err != nil {
		return err
	}
	projectID := acc.ProjectID
	if projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(req, projectID)
	if err != nil {
		return err
	}

	resp, err := d.roundTrip(ctx, payload, token, model, "text/event-stream", "/v1internal:streamGenerateContent?alt=sse")
	if err != nil {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] %s exhausted all endpoints, falling back to %s (streaming)", model, fallbackModel)
				fallbackReq := *req
				fallbackReq.Model = fallbackModel
				return d.streamWithRetry(ctx, &fallbackReq, false, repair, events)
			}
		}
		return err
	}

	opts := stream.Options{Schemas: repair.Schemas, LastUserText: repair.LastUserText, RepairEnabled: repair.RepairEnabled}

	for emptyRetries := 0; ; emptyRetries++ {
		sseEvents, sseErrs := stream.Run(resp.Body, model, opts)
		for ev := range sseEvents {
			events <- ev
		}
		streamErr := <-sseErrs
		resp.Body.Close()

		if streamErr == nil {
			return nil
		}
		pe, isEmpty := proxyerrors.As(streamErr)
		isEmpty = isEmpty && pe.Kind == proxyerrors.KindEmptyResponse
		if !isEmpty || emptyRetries >= config.MaxEmptyResponseRetries {
			if isEmpty {
				utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
				stream.EmptyFallback(events, model)
				return nil
			}
			return streamErr
		}

		backoffMs := int64(500 * (1 << emptyRetries))
		utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...", emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		utils.SleepMs(backoffMs)

		resp, err = d.roundTrip(ctx, payload, token, model, "text/event-stream", "/v1internal:streamGenerateContent?alt=sse")
		if err != nil {
			return err
		}
	}
}

// roundTrip sends payload to the endpoint pool, rotating through endpoints
// on rate limits and server errors and refreshing the token once on a
// transient 401. Returns the first 200 response body, left open for the
// caller to read and close.
func (d *Dispatcher) roundTrip(ctx context.Context, payload *CloudCodePayload, token, model, accept, pathSuffix string) (*http.Response, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, proxyerrors.NewInternal(err, "encoding cloud code request")
	}

	capacityRetries := 0

	for round := 0; round < config.MaxRetries; round++ {
		var lastErr error

		for _, endpoint := range d.pool.Endpoints() {
			url := endpoint + pathSuffix

			httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
			if err != nil {
				return nil, proxyerrors.NewInternal(err, "building cloud code request")
			}
			for k, v := range BuildHeaders(token, model, accept) {
				httpReq.Header.Set(k, v)
			}

			resp, err := d.httpClient.Do(httpReq)
			if err != nil {
				if utils.IsNetworkError(err) {
					utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
					lastErr = err
					continue
				}
				return nil, proxyerrors.NewInternal(err, "cloud code request to %s", endpoint)
			}

			if resp.StatusCode == http.StatusOK {
				d.pool.MarkSuccess(endpoint)
				return resp, nil
			}

			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Error at %s: %d - %s", endpoint, resp.StatusCode, utils.TruncateString(errorText, 200))

			switch resp.StatusCode {
			case http.StatusUnauthorized:
				delay := d.pool.MarkAuthFailed(endpoint, errorText)
				if quota.IsPermanentAuthFailure(errorText) {
					return nil, proxyerrors.NewAuthFailed(nil, "upstream rejected credentials: %s", utils.TruncateString(errorText, 200))
				}
				lastErr = proxyerrors.NewUpstream4xxOther(resp.StatusCode, "auth error at %s", endpoint)
				utils.SleepMs(delay.Milliseconds())

			case http.StatusTooManyRequests:
				resetMs := quota.ParseResetTime(resp.Header, errorText)
				if quota.ParseReason(errorText, resp.StatusCode) == quota.ReasonModelCapacityExhausted && capacityRetries < config.MaxCapacityRetries {
					tier := utils.MinInt(capacityRetries, len(config.CapacityBackoffTiersMs)-1)
					waitMs := resetMs
					if waitMs <= 0 {
						waitMs = config.CapacityBackoffTiersMs[tier]
					}
					capacityRetries++
					utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
						capacityRetries, config.MaxCapacityRetries, utils.FormatDuration(waitMs))
					utils.SleepMs(waitMs)
					continue
				}
				delay := d.pool.MarkRateLimited(endpoint, errorText, resetMs)
				lastErr = proxyerrors.NewRateLimited(delay.Milliseconds(), "rate limited at %s", endpoint)
				utils.Info("[CloudCode] Rate limited at %s, next endpoint after %s", endpoint, utils.FormatDurationFromTime(delay))

			case http.StatusBadRequest:
				return nil, proxyerrors.NewUpstream4xxOther(http.StatusBadRequest, "invalid request: %s", utils.TruncateString(errorText, 200))

			case http.StatusServiceUnavailable, 529:
				if quota.ParseReason(errorText, resp.StatusCode) == quota.ReasonModelCapacityExhausted && capacityRetries < config.MaxCapacityRetries {
					tier := utils.MinInt(capacityRetries, len(config.CapacityBackoffTiersMs)-1)
					waitMs := config.CapacityBackoffTiersMs[tier]
					capacityRetries++
					utils.Info("[CloudCode] %d capacity exhausted, retry %d/%d after %s...",
						resp.StatusCode, capacityRetries, config.MaxCapacityRetries, utils.FormatDuration(waitMs))
					utils.SleepMs(waitMs)
					continue
				}
				fallthrough

			default:
				delay := d.pool.MarkServerError(endpoint, errorText, 0)
				lastErr = proxyerrors.NewUpstream5xx(resp.StatusCode, "upstream error at %s", endpoint)
				if resp.StatusCode >= 500 {
					utils.SleepMs(delay.Milliseconds())
				}
			}
		}

		if lastErr != nil {
			utils.SleepMs(config.SwitchEndpointDelayMs)
			continue
		}
	}

	return nil, fmt.Errorf("max retries exceeded against all endpoints for %s", model)
}
