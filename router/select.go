package router

import (
	"sort"

	"toolcall-proxy/circuitbreaker"
	"toolcall-proxy/config"
)

// candidate pairs a configured channel with the real upstream model
// name it should be asked for once its alias has been resolved.
type candidate struct {
	channel    config.Channel
	realModel  string
	configIdx  int
}

// eligibleChannels resolves the candidate list for a requested model:
//
//  1. model_passthrough on: every non-placeholder channel is a
//     candidate, regardless of advertised models, and realModel is the
//     requested model verbatim.
//  2. Otherwise: every non-placeholder channel whose models list
//     advertises the requested model (after alias resolution).
//  3. If that set is empty: fall back to the highest-priority
//     is_default channel, else the highest-priority channel overall
//     (still non-placeholder).
//
// Within whichever set is chosen, ordering is deterministic: priority
// descending, then is_default channels before non-default, then
// original config order. Health plays no part here; attemptOrder may
// afterwards reorder candidates within a single priority band by
// observed health, and never drops any.
func eligibleChannels(channels []config.Channel, requestedModel string, modelPassthrough bool) []candidate {
	if modelPassthrough {
		out := make([]candidate, 0, len(channels))
		for i, ch := range channels {
			if ch.IsPlaceholder() {
				continue
			}
			out = append(out, candidate{channel: ch, realModel: requestedModel, configIdx: i})
		}
		sortCandidates(out)
		return out
	}

	out := make([]candidate, 0, len(channels))
	for i, ch := range channels {
		if ch.IsPlaceholder() {
			continue
		}
		real, ok := ch.AdvertisesModel(requestedModel)
		if !ok {
			continue
		}
		out = append(out, candidate{channel: ch, realModel: real, configIdx: i})
	}
	sortCandidates(out)

	if len(out) > 0 {
		return out
	}

	return fallbackChannel(channels, requestedModel)
}

// fallbackChannel handles the case where no channel advertises the
// requested model: fall back to the highest-priority default channel,
// else the highest-priority channel overall. The fallback candidate is
// asked for the client's requested model name unchanged, since it never
// declared an alias for it.
func fallbackChannel(channels []config.Channel, requestedModel string) []candidate {
	all := make([]candidate, 0, len(channels))
	for i, ch := range channels {
		if ch.IsPlaceholder() {
			continue
		}
		all = append(all, candidate{channel: ch, realModel: requestedModel, configIdx: i})
	}
	if len(all) == 0 {
		return nil
	}
	sortCandidates(all)

	for _, c := range all {
		if c.channel.IsDefault {
			return []candidate{c}
		}
	}
	return all[:1]
}

func sortCandidates(out []candidate) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].channel.Priority != out[j].channel.Priority {
			return out[i].channel.Priority > out[j].channel.Priority
		}
		if out[i].channel.IsDefault != out[j].channel.IsDefault {
			return out[i].channel.IsDefault
		}
		return out[i].configIdx < out[j].configIdx
	})
}

// attemptOrder re-ranks candidates that share the same priority by
// observed health, without ever promoting a lower-priority candidate
// ahead of a higher-priority one. Unhealthy-but-eligible channels are
// kept at the back of their band rather than dropped, so a request still
// reaches them if every healthier channel in the band also fails.
func attemptOrder(hm *circuitbreaker.HealthManager, candidates []candidate) []candidate {
	if hm == nil || len(candidates) < 2 {
		return candidates
	}

	out := make([]candidate, 0, len(candidates))
	i := 0
	for i < len(candidates) {
		j := i + 1
		for j < len(candidates) && candidates[j].channel.Priority == candidates[i].channel.Priority {
			j++
		}
		band := candidates[i:j]
		out = append(out, rankBand(hm, band)...)
		i = j
	}
	return out
}

func rankBand(hm *circuitbreaker.HealthManager, band []candidate) []candidate {
	if len(band) < 2 {
		return band
	}
	keys := make([]string, len(band))
	byKey := make(map[string]candidate, len(band))
	for i, c := range band {
		keys[i] = c.channel.Name
		byKey[c.channel.Name] = c
	}
	scores := hm.RankByHealth(keys)
	ranked := make([]candidate, 0, len(band))
	for _, s := range scores {
		ranked = append(ranked, byKey[s.Key])
	}
	return ranked
}
