package circuitbreaker

import (
	"log"
	"time"

	"toolcall-proxy/metrics"
)

// RecordFailure marks a channel as failed and opens its circuit once the
// configured failure threshold is reached, with exponential backoff
// capped at MaxBackoffDuration.
func (hm *HealthManager) RecordFailure(key string) {
	hm.healthMutex.Lock()
	defer hm.healthMutex.Unlock()

	health, exists := hm.healthMap[key]
	if !exists {
		health = &ChannelHealth{Key: key}
		hm.healthMap[key] = health
	}

	health.FailureCount++
	health.TotalRequests++
	health.LastFailureTime = time.Now()

	if health.FailureCount >= hm.config.FailureThreshold {
		health.CircuitOpen = true

		over := health.FailureCount - hm.config.FailureThreshold + 1
		if over < 1 {
			over = 1
		}
		backoff := hm.config.BackoffDuration
		for i := 1; i < over && backoff < hm.config.MaxBackoffDuration; i++ {
			backoff *= 2
		}
		if backoff > hm.config.MaxBackoffDuration {
			backoff = hm.config.MaxBackoffDuration
		}

		health.NextRetryTime = time.Now().Add(backoff)
		metrics.SetCircuitOpen(key, true)

		if hm.obsLogger != nil {
			hm.obsLogger.Warn("circuit_breaker", "health", "", "circuit opened for channel", map[string]interface{}{
				"channel": key, "failures": health.FailureCount, "retry_in": backoff.String(),
			})
		} else {
			log.Printf("circuit breaker opened for channel %s (failures: %d, retry in: %v)", key, health.FailureCount, backoff)
		}
	} else if hm.obsLogger != nil {
		hm.obsLogger.Info("circuit_breaker", "health", "", "channel failure recorded", map[string]interface{}{
			"channel": key, "failures": health.FailureCount, "threshold": hm.config.FailureThreshold,
		})
	}
}

// RecordSuccess marks a channel as successful, closing its circuit if
// it was open and resetting the failure count.
func (hm *HealthManager) RecordSuccess(key string) {
	hm.healthMutex.Lock()
	defer hm.healthMutex.Unlock()

	health, exists := hm.healthMap[key]
	if !exists {
		health = &ChannelHealth{Key: key}
		hm.healthMap[key] = health
	}

	health.SuccessCount++
	health.TotalRequests++
	health.LastSuccessTime = time.Now()

	wasOpen := health.CircuitOpen
	if health.CircuitOpen {
		health.CircuitOpen = false
		health.NextRetryTime = time.Time{}
		metrics.SetCircuitOpen(key, false)
	}
	health.FailureCount = 0

	if wasOpen && hm.obsLogger != nil {
		hm.obsLogger.Info("circuit_breaker", "health", "", "circuit closed for channel", map[string]interface{}{"channel": key})
	}
}
