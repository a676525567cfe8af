package circuitbreaker

import (
	"sort"
	"time"
)

// ChannelScore pairs a channel key with its observed health, used for
// reporting and for breaking ties among channels of otherwise-equal
// configured priority. It never overrides the configured priority
// ordering itself — only equal-priority channels are ever reordered by
// this package.
type ChannelScore struct {
	Key         string  `json:"key"`
	SuccessRate float64 `json:"success_rate"`
	Healthy     bool    `json:"healthy"`
}

// RankByHealth scores a set of channel keys by health and observed
// success rate, healthiest and highest-success first. Callers use this
// only to break ties within a single priority band; it must not be used
// to reorder across priority bands.
func (hm *HealthManager) RankByHealth(keys []string) []ChannelScore {
	scores := make([]ChannelScore, len(keys))
	for i, key := range keys {
		scores[i] = ChannelScore{
			Key:         key,
			SuccessRate: hm.CalculateSuccessRate(key),
			Healthy:     hm.IsHealthy(key),
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Healthy != scores[j].Healthy {
			return scores[i].Healthy
		}
		return scores[i].SuccessRate > scores[j].SuccessRate
	})

	return scores
}

// MarkReorderChecked stamps the current time on every tracked channel's
// LastReorderCheck, which Snapshot reports. RankByHealth does not read
// it and recomputes its ranking on every call.
func (hm *HealthManager) MarkReorderChecked() {
	hm.healthMutex.Lock()
	defer hm.healthMutex.Unlock()

	now := time.Now()
	for _, health := range hm.healthMap {
		health.LastReorderCheck = now
	}
}
