package router

import (
	"net/http"

	"toolcall-proxy/types"
)

// UpstreamError is returned when every eligible channel for a request
// failed, or when no channel was eligible to begin with. StatusCode and
// OpenAIBody let the caller translate it straight into an HTTP response
// without re-deriving the failure class.
type UpstreamError struct {
	Kind     ErrorKind
	Message  string
	Attempts int

	// RawStatus, RawBody, and RawHeader are set only for KindClientError:
	// the exact status, body, and headers the terminal channel returned,
	// forwarded verbatim rather than re-wrapped in the proxy's own error
	// envelope, since the same request would be rejected identically by
	// every other channel.
	RawStatus int
	RawBody   []byte
	RawHeader http.Header
}

// ErrorKind classifies why routing ultimately failed.
type ErrorKind int

const (
	// KindNoChannel means routing, including the default/highest-priority
	// fallback, left no non-placeholder channel, so no attempt was ever
	// made.
	KindNoChannel ErrorKind = iota
	// KindExhausted means every eligible channel was tried and each
	// one returned a retryable failure.
	KindExhausted
	// KindRateLimited is used when the single eligible channel (or
	// the last one tried) returned 429.
	KindRateLimited
	// KindUpstreamServerError covers 5xx terminal exhaustion.
	KindUpstreamServerError
	// KindTimeout covers a network timeout before any byte of the
	// response arrived.
	KindTimeout
	// KindClientError covers a terminal 4xx (other than 429) from the
	// single channel attempted: the caller forwards RawStatus/RawBody
	// verbatim instead of synthesizing an OpenAI error envelope.
	KindClientError
)

func (e *UpstreamError) Error() string {
	return e.Message
}

// StatusCode maps the error kind to the HTTP status this proxy returns
// to its own client.
func (e *UpstreamError) StatusCode() int {
	switch e.Kind {
	case KindNoChannel:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindClientError:
		return e.RawStatus
	default:
		return http.StatusBadGateway
	}
}

// OpenAIBody renders the error in the OpenAI error envelope shape. For
// KindClientError it is never used directly by a handler that instead
// writes RawBody verbatim, but is still provided for callers (logging,
// other transports) that want a best-effort structured summary.
func (e *UpstreamError) OpenAIBody() types.ErrorBody {
	return types.ErrorBody{Error: types.ErrorDetail{
		Message: e.Message,
		Type:    "upstream_error",
		Code:    errorCode(e.Kind),
	}}
}

func errorCode(k ErrorKind) string {
	switch k {
	case KindNoChannel:
		return "no_channel_available"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamServerError:
		return "upstream_server_error"
	case KindTimeout:
		return "upstream_timeout"
	case KindClientError:
		return "upstream_rejected_request"
	default:
		return "upstream_exhausted"
	}
}

// attemptOutcome classifies a single channel attempt's result so the
// failover loop knows whether to try the next channel or give up
// immediately.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable
	outcomeTerminal
)

// classifyStatus decides whether an upstream HTTP status is worth
// failing over from (rate limiting and server errors are transient,
// the rest of the 4xx family reflects a request the next channel would
// reject identically) or is a genuine success.
func classifyStatus(status int) attemptOutcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusTooManyRequests:
		return outcomeRetryable
	case status >= 500:
		return outcomeRetryable
	default:
		return outcomeTerminal
	}
}

// outcomeLabel renders an attemptOutcome as the label value metrics are
// tagged with.
func outcomeLabel(o attemptOutcome) string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}
