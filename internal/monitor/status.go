package monitor

import (
	"strings"

	"fleetmon/internal/config"
	"fleetmon/internal/models"
)

// targetStatus ranks a result: stopped items first, then missing data,
// then pending items or resources over threshold.
func targetStatus(res models.TargetResult, th config.Thresholds) models.TargetStatus {
	unknown := 0
	pending := false
	for _, it := range res.Items {
		switch it.State {
		case models.StateStopped:
			return models.StatusError
		case models.StateUnknown:
			unknown++
		case models.StatePending:
			pending = true
		}
	}

	if res.DataSource == models.SourceNone {
		return models.StatusOffline
	}
	if len(res.Items) > 0 && unknown == len(res.Items) {
		return models.StatusOffline
	}
	if pending || overThreshold(res.Resources, th) {
		return models.StatusWarning
	}
	return models.StatusNormal
}

func overThreshold(r models.Resources, th config.Thresholds) bool {
	return (th.CPU > 0 && r.CPU >= th.CPU) ||
		(th.Memory > 0 && r.Memory >= th.Memory) ||
		(th.Disk > 0 && r.Disk >= th.Disk)
}

// normalizeLifecycle accepts agent spellings such as "RUNNING".
func normalizeLifecycle(s models.Lifecycle) models.Lifecycle {
	switch l := models.Lifecycle(strings.ToLower(strings.TrimSpace(string(s)))); l {
	case models.StateRunning, models.StateStopped, models.StatePending, models.StateUnknown:
		return l
	default:
		return models.StateUnknown
	}
}

func itemKey(targetID, item string) string {
	return targetID + "/" + strings.ToLower(item)
}
