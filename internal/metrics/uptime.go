package metrics

import (
	"math"
	"time"

	"lightwatch/internal/models"
)

// Availability summarises a window of monitor samples.
type Availability struct {
	UptimePercent float64 `json:"uptime_percent"`
	TotalChecks   int     `json:"total_checks"`
	Online        int     `json:"online"`
	Off           int     `json:"off"`
	LastState     string  `json:"last_state,omitempty"`
	LastOnline    string  `json:"last_online,omitempty"`
}

// ComputeAvailability aggregates online/off counts from monitor samples.
func ComputeAvailability(states []models.LightState) Availability {
	var (
		result     Availability
		lastOnline time.Time
	)
	for _, state := range states {
		if state.IsOnline() {
			result.Online++
			if state.ObservedAt.After(lastOnline) {
				lastOnline = state.ObservedAt
			}
		} else {
			result.Off++
		}
		result.LastState = state.NetworkState.String()
	}
	result.TotalChecks = result.Online + result.Off
	if result.TotalChecks > 0 {
		result.UptimePercent = round2(float64(result.Online) / float64(result.TotalChecks) * 100)
	}
	if !lastOnline.IsZero() {
		result.LastOnline = lastOnline.Format(time.RFC3339)
	}
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
