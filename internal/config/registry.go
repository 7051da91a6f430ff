package config

import (
	"sort"

	"fleetmon/internal/models"
)

// Registry is the read-only target registry built from configuration.
type Registry struct {
	targets []models.Target
	byID    map[string]models.Target
}

// NewRegistry indexes targets and orders them by sort order, then id.
func NewRegistry(targets []models.Target) *Registry {
	ordered := make([]models.Target, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SortOrder != ordered[j].SortOrder {
			return ordered[i].SortOrder < ordered[j].SortOrder
		}
		return ordered[i].ID < ordered[j].ID
	})

	byID := make(map[string]models.Target, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}
	return &Registry{targets: ordered, byID: byID}
}

// Registry builds the registry for the configured targets.
func (c Config) Registry() *Registry {
	return NewRegistry(c.Targets)
}

// Targets returns every target in display order.
func (r *Registry) Targets() []models.Target {
	out := make([]models.Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// Target looks a target up by id.
func (r *Registry) Target(id string) (models.Target, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	return len(r.targets)
}
