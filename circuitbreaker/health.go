// Package circuitbreaker tracks per-channel health so the router can
// try a channel that is currently failing after the healthier channels
// of the same priority, rather than first.
package circuitbreaker

import (
	"sync"
	"time"
)

// ChannelHealth tracks the health status of a single upstream channel,
// keyed by channel name.
type ChannelHealth struct {
	Key              string    `json:"key"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	TotalRequests    int       `json:"total_requests"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastSuccessTime  time.Time `json:"last_success_time"`
	CircuitOpen      bool      `json:"circuit_open"`
	NextRetryTime    time.Time `json:"next_retry_time"`
	LastReorderCheck time.Time `json:"last_reorder_check"`
}

// Config controls circuit breaker behavior.
type Config struct {
	FailureThreshold   int           `json:"failure_threshold"`    // consecutive failures before opening the circuit
	BackoffDuration    time.Duration `json:"backoff_duration"`     // initial backoff once the circuit opens
	MaxBackoffDuration time.Duration `json:"max_backoff_duration"` // cap on exponential backoff
	ResetTimeout       time.Duration `json:"reset_timeout"`        // not read by HealthManager; a failure count resets only on RecordSuccess
}

// DefaultConfig returns sensible defaults for circuit breaker behavior.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   2,
		BackoffDuration:    30 * time.Second,
		MaxBackoffDuration: 5 * time.Minute,
		ResetTimeout:       1 * time.Minute,
	}
}

// logEmitter is the minimal structured-logging contract the health
// manager needs; satisfied by logger.LogEmitter without importing it
// directly (avoids a logger -> config -> circuitbreaker import cycle).
type logEmitter interface {
	Info(component, category, requestID, message string, fields map[string]interface{})
	Warn(component, category, requestID, message string, fields map[string]interface{})
	Error(component, category, requestID, message string, fields map[string]interface{})
}

// HealthManager tracks health for every configured channel and decides
// whether a channel's circuit is open.
type HealthManager struct {
	config      Config
	healthMap   map[string]*ChannelHealth
	healthMutex sync.RWMutex
	obsLogger   logEmitter
}

// NewHealthManager creates a new health manager with the given config.
func NewHealthManager(config Config) *HealthManager {
	return &HealthManager{
		config:    config,
		healthMap: make(map[string]*ChannelHealth),
	}
}

// SetObservabilityLogger attaches a structured logger for health events.
func (hm *HealthManager) SetObservabilityLogger(obsLogger logEmitter) {
	hm.obsLogger = obsLogger
}

// InitializeChannels pre-registers health tracking for a set of channel
// keys so IsHealthy reports accurately even before the first request.
func (hm *HealthManager) InitializeChannels(keys []string) {
	hm.healthMutex.Lock()
	defer hm.healthMutex.Unlock()

	for _, key := range keys {
		if _, exists := hm.healthMap[key]; !exists {
			hm.healthMap[key] = &ChannelHealth{Key: key}
		}
	}
}

// IsHealthy reports whether a channel's circuit is closed (or its
// backoff window has elapsed and it is due for a retry probe).
func (hm *HealthManager) IsHealthy(key string) bool {
	hm.healthMutex.RLock()
	defer hm.healthMutex.RUnlock()

	health, exists := hm.healthMap[key]
	if !exists {
		return true
	}
	if health.CircuitOpen {
		return time.Now().After(health.NextRetryTime)
	}
	return true
}

// GetHealthDebug exposes internal counters for logging and the /health endpoint.
func (hm *HealthManager) GetHealthDebug(key string) (failureCount int, circuitOpen bool, nextRetryTime time.Time, exists bool) {
	hm.healthMutex.RLock()
	defer hm.healthMutex.RUnlock()

	health, exists := hm.healthMap[key]
	if !exists {
		return 0, false, time.Time{}, false
	}
	return health.FailureCount, health.CircuitOpen, health.NextRetryTime, true
}

// CalculateSuccessRate returns the observed success rate for a channel,
// defaulting to a neutral 0.5 for channels with no recorded requests yet.
func (hm *HealthManager) CalculateSuccessRate(key string) float64 {
	hm.healthMutex.RLock()
	defer hm.healthMutex.RUnlock()

	health, exists := hm.healthMap[key]
	if !exists || health.TotalRequests == 0 {
		return 0.5
	}
	return float64(health.SuccessCount) / float64(health.TotalRequests)
}

// Snapshot returns a copy of all tracked channel health records, used by
// the /health endpoint and periodic logging.
func (hm *HealthManager) Snapshot() map[string]ChannelHealth {
	hm.healthMutex.RLock()
	defer hm.healthMutex.RUnlock()

	out := make(map[string]ChannelHealth, len(hm.healthMap))
	for k, v := range hm.healthMap {
		out[k] = *v
	}
	return out
}
