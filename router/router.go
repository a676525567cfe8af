// Package router selects an eligible upstream channel for a request,
// dispatches it, and fails over to the next eligible channel on a
// retryable error.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"toolcall-proxy/config"
	"toolcall-proxy/logger"
	"toolcall-proxy/metrics"
	"toolcall-proxy/types"
)

// maxFailoverAttempts bounds how many channels a single request will
// try before giving up, so a long eligible-channel list (or a
// misconfigured deployment where most channels are down) can't turn one
// slow client request into a dozen sequential upstream round-trips.
const maxFailoverAttempts = 5

// Router owns the pooled HTTP client used to reach every channel. The
// health manager that ranks channels comes from each Config snapshot.
type Router struct {
	client *http.Client
}

// New creates a Router with a connection-pooling client: a short dial
// timeout so a dead channel fails fast, and a generous overall timeout
// so a slow but alive model isn't killed mid-generation.
func New(requestTimeout time.Duration) *Router {
	return &Router{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Result carries either a buffered non-streaming response or a live
// streaming body, plus the channel that produced it and the model name
// that was actually sent upstream.
type Result struct {
	Channel    string
	RealModel  string
	Streaming  bool
	Response   *types.ChatCompletionResponse
	StreamBody io.ReadCloser
	RawBody    []byte // exact upstream bytes, used for pure passthrough when function calling is inactive
}

// Dispatch sends req to the best eligible channel for req.Model,
// failing over to the next eligible channel on a retryable outcome,
// across up to maxFailoverAttempts eligible channels.
//
// This applies identically whether req.Stream is set: r.attempt only
// ever returns outcomeSuccess for a streaming request once the
// upstream's status line has been read and classified 2xx, before a
// single byte of the body has been read or written to this proxy's own
// client. So a retryable pre-first-byte outcome (429, 5xx, a connect or
// read timeout before the response line arrived) falls over to the next
// channel exactly as it would for a non-streaming request; once a
// channel's stream has actually started, the caller holds a live
// Result.StreamBody and Dispatch has already returned, so there is no
// second attempt possible once bytes are in flight to the client.
//
// clientKey is the bearer key the client authenticated with; it is sent
// upstream verbatim instead of the channel's own api_key when
// cfg.Features.KeyPassthrough is enabled.
func (r *Router) Dispatch(ctx context.Context, cfg *config.Config, req *types.ChatCompletionRequest, requestID, clientKey string) (*Result, error) {
	candidates := eligibleChannels(cfg.Channels(), req.Model, cfg.Features.ModelPassthrough)
	if len(candidates) == 0 {
		return nil, &UpstreamError{Kind: KindNoChannel, Message: fmt.Sprintf("no channel configured for model %q", req.Model)}
	}

	ordered := attemptOrder(cfg.HealthManager, candidates)

	// The proxy handler embeds a logger in ctx before calling Dispatch;
	// a caller that does not gets a logger bound to cfg instead.
	l := logger.FromContext(ctx, logger.NewConfigAdapter(cfg))

	limit := len(ordered)
	if limit > maxFailoverAttempts {
		limit = maxFailoverAttempts
	}

	var lastErr error
	var lastOutcome attemptOutcome
	attempts := 0

	for i := 0; i < limit; i++ {
		c := ordered[i]
		attempts++

		if i > 0 {
			logger.LogFailover(ctx, l, ordered[i-1].channel.Name, c.channel.Name, "retryable upstream failure")
		}
		logger.LogChannelAttempt(ctx, l, c.channel.Name, attempts)

		result, outcome, err := r.attempt(ctx, cfg, c, req, requestID, clientKey)
		if outcome == outcomeSuccess {
			logger.LogUpstreamSuccess(ctx, l, c.channel.Name, req.Stream)
			return result, nil
		}

		lastErr = err
		lastOutcome = outcome
		if outcome == outcomeTerminal {
			break
		}
	}

	logger.LogUpstreamExhausted(ctx, l, attempts)
	return nil, toUpstreamError(lastOutcome, lastErr, attempts)
}

func toUpstreamError(outcome attemptOutcome, cause error, attempts int) error {
	if ue, ok := cause.(*UpstreamError); ok {
		ue.Attempts = attempts
		return ue
	}
	msg := "all eligible channels failed"
	if cause != nil {
		msg = cause.Error()
	}
	kind := KindExhausted
	if outcome == outcomeTerminal {
		kind = KindUpstreamServerError
	}
	return &UpstreamError{Kind: kind, Message: msg, Attempts: attempts}
}

// attempt sends req to a single channel and classifies the result.
func (r *Router) attempt(ctx context.Context, cfg *config.Config, c candidate, req *types.ChatCompletionRequest, requestID, clientKey string) (*Result, attemptOutcome, error) {
	outReq := *req
	outReq.Model = c.realModel

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, outcomeTerminal, fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channel.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, outcomeTerminal, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+upstreamKey(cfg, c, clientKey))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if cfg.HealthManager != nil {
			cfg.HealthManager.RecordFailure(c.channel.Name)
		}
		if isTimeout(err) {
			metrics.RecordAttempt(c.channel.Name, outcomeLabel(outcomeRetryable))
			return nil, outcomeRetryable, &UpstreamError{Kind: KindTimeout, Message: fmt.Sprintf("channel %s timed out before first byte: %v", c.channel.Name, err)}
		}
		metrics.RecordAttempt(c.channel.Name, outcomeLabel(outcomeRetryable))
		return nil, outcomeRetryable, &UpstreamError{Kind: KindExhausted, Message: fmt.Sprintf("channel %s request failed: %v", c.channel.Name, err)}
	}

	outcome := classifyStatus(resp.StatusCode)
	metrics.RecordAttempt(c.channel.Name, outcomeLabel(outcome))
	if outcome != outcomeSuccess {
		defer resp.Body.Close()
		if cfg.HealthManager != nil {
			cfg.HealthManager.RecordFailure(c.channel.Name)
		}

		if outcome == outcomeTerminal {
			// A 4xx other than 429 is terminal: the same request would be
			// rejected identically by every other channel, so it is returned
			// to the proxy's own client verbatim rather than summarized.
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return nil, outcome, &UpstreamError{
				Kind:       KindClientError,
				Message:    fmt.Sprintf("channel %s returned %d", c.channel.Name, resp.StatusCode),
				RawStatus:  resp.StatusCode,
				RawBody:    raw,
				RawHeader:  resp.Header.Clone(),
			}
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		kind := KindExhausted
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = KindRateLimited
		} else if resp.StatusCode >= 500 {
			kind = KindUpstreamServerError
		}
		return nil, outcome, &UpstreamError{Kind: kind, Message: fmt.Sprintf("channel %s returned %d: %s", c.channel.Name, resp.StatusCode, string(raw))}
	}

	if req.Stream {
		if cfg.HealthManager != nil {
			cfg.HealthManager.RecordSuccess(c.channel.Name)
		}
		return &Result{Channel: c.channel.Name, RealModel: c.realModel, Streaming: true, StreamBody: resp.Body}, outcomeSuccess, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if cfg.HealthManager != nil {
			cfg.HealthManager.RecordFailure(c.channel.Name)
		}
		metrics.RecordAttempt(c.channel.Name, outcomeLabel(outcomeRetryable))
		return nil, outcomeRetryable, &UpstreamError{Kind: KindExhausted, Message: fmt.Sprintf("channel %s: failed to read response body: %v", c.channel.Name, err)}
	}

	var parsed types.ChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if cfg.HealthManager != nil {
			cfg.HealthManager.RecordFailure(c.channel.Name)
		}
		metrics.RecordAttempt(c.channel.Name, outcomeLabel(outcomeRetryable))
		return nil, outcomeRetryable, &UpstreamError{Kind: KindExhausted, Message: fmt.Sprintf("channel %s: malformed response body: %v", c.channel.Name, err)}
	}

	if cfg.HealthManager != nil {
		cfg.HealthManager.RecordSuccess(c.channel.Name)
	}
	return &Result{Channel: c.channel.Name, RealModel: c.realModel, Response: &parsed, RawBody: raw}, outcomeSuccess, nil
}

// upstreamKey returns the Authorization bearer value to send to c: the
// client's own key when key_passthrough is enabled (overriding the
// channel's configured key), else the channel's configured key.
func upstreamKey(cfg *config.Config, c candidate, clientKey string) string {
	if cfg.Features.KeyPassthrough && clientKey != "" {
		return clientKey
	}
	return c.channel.APIKey
}

func isTimeout(err error) bool {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}
