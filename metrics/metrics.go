// Package metrics registers this proxy's Prometheus collectors, scraped
// at /metrics alongside the default process/Go collectors (ground:
// kubilitics-ai's internal/metrics package, same promauto-registered
// package-level var pattern, renamed to this proxy's own signals).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelAttemptsTotal counts every dispatch attempt against a
	// channel, labeled by outcome so a dashboard can chart failover
	// rate per channel without scraping logs.
	ChannelAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolcall_proxy_channel_attempts_total",
			Help: "Total upstream dispatch attempts per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// ChannelCircuitOpen reports whether a channel's circuit breaker is
	// currently open (1) or closed (0), so an operator can see failover
	// pressure at a glance.
	ChannelCircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolcall_proxy_channel_circuit_open",
			Help: "1 if a channel's circuit breaker is currently open, else 0",
		},
		[]string{"channel"},
	)

	// TriggerDetectionsTotal counts responses in which the tool-call
	// trigger token was recognized, split between streaming and
	// non-streaming delivery.
	TriggerDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolcall_proxy_trigger_detections_total",
			Help: "Total responses in which the tool-call trigger token was recognized",
		},
		[]string{"mode"},
	)

	// ToolCallsExtractedTotal counts individual tool_call elements
	// extracted across all responses.
	ToolCallsExtractedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolcall_proxy_tool_calls_extracted_total",
			Help: "Total individual tool calls extracted from tagged envelopes",
		},
	)
)

// RecordAttempt records one dispatch attempt's outcome against channel.
func RecordAttempt(channel, outcome string) {
	ChannelAttemptsTotal.WithLabelValues(channel, outcome).Inc()
}

// SetCircuitOpen reports a channel's current circuit-breaker state.
func SetCircuitOpen(channel string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	ChannelCircuitOpen.WithLabelValues(channel).Set(v)
}

// RecordTriggerDetected records a successful trigger-token recognition
// and the number of tool calls it yielded.
func RecordTriggerDetected(mode string, toolCallCount int) {
	TriggerDetectionsTotal.WithLabelValues(mode).Inc()
	if toolCallCount > 0 {
		ToolCallsExtractedTotal.Add(float64(toolCallCount))
	}
}
