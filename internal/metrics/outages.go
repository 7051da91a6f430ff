package metrics

import (
	"math"
	"sort"
	"time"

	"fleetmon/internal/events"
)

// TargetOutages summarises connectivity history of one target.
type TargetOutages struct {
	TargetID            string  `json:"target_id"`
	Reconnections       int     `json:"reconnections"`
	OfflineEvents       int     `json:"offline_events"`
	TotalOfflineSeconds float64 `json:"total_offline_seconds"`
	LongestOfflineSecs  float64 `json:"longest_offline_seconds"`
	RestartAttempts     int     `json:"restart_attempts"`
	RestartFailures     int     `json:"restart_failures"`
	LastReconnect       string  `json:"last_reconnect,omitempty"`
}

// ComputeOutages aggregates outage statistics per target from journal entries.
func ComputeOutages(entries []events.Event) []TargetOutages {
	type acc struct {
		reconnections int
		offline       int
		total         float64
		longest       float64
		restarts      int
		failures      int
		lastReconnect time.Time
	}
	state := make(map[string]*acc)
	for _, e := range entries {
		target := state[e.TargetID]
		if target == nil {
			target = &acc{}
			state[e.TargetID] = target
		}
		switch e.Kind {
		case events.KindReconnected:
			target.reconnections++
			target.total += e.OfflineSeconds
			if e.OfflineSeconds > target.longest {
				target.longest = e.OfflineSeconds
			}
			if e.OccurredAt.After(target.lastReconnect) {
				target.lastReconnect = e.OccurredAt
			}
		case events.KindTargetOffline:
			target.offline++
		case events.KindRestartAttempted:
			target.restarts++
			if e.Success != nil && !*e.Success {
				target.failures++
			}
		}
	}
	if len(state) == 0 {
		return nil
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]TargetOutages, 0, len(keys))
	for _, id := range keys {
		data := state[id]
		result := TargetOutages{
			TargetID:            id,
			Reconnections:       data.reconnections,
			OfflineEvents:       data.offline,
			TotalOfflineSeconds: round2(data.total),
			LongestOfflineSecs:  round2(data.longest),
			RestartAttempts:     data.restarts,
			RestartFailures:     data.failures,
		}
		if !data.lastReconnect.IsZero() {
			result.LastReconnect = data.lastReconnect.UTC().Format(time.RFC3339)
		}
		results = append(results, result)
	}
	return results
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
