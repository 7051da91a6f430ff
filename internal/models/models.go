package models

import (
	"strings"
	"time"
)

// OSKind identifies the operating system family of a target.
type OSKind string

const (
	OSWindows OSKind = "windows"
	OSLinux   OSKind = "linux"
)

// ItemKind is the flavour of a monitored item.
type ItemKind string

const (
	KindProcess   ItemKind = "process"
	KindService   ItemKind = "service"
	KindContainer ItemKind = "container"
)

// Lifecycle is the observed state of a monitored item.
type Lifecycle string

const (
	StateRunning Lifecycle = "running"
	StateStopped Lifecycle = "stopped"
	StateUnknown Lifecycle = "unknown"
	StatePending Lifecycle = "pending"
)

// DataSource tells where a piece of status information came from.
type DataSource string

const (
	SourcePush DataSource = "push"
	SourcePoll DataSource = "poll"
	SourceNone DataSource = "none"
)

// TargetStatus is the overall health of a target.
type TargetStatus string

const (
	StatusNormal  TargetStatus = "normal"
	StatusWarning TargetStatus = "warning"
	StatusError   TargetStatus = "error"
	StatusOffline TargetStatus = "offline"
)

// Reasons attached to degraded target results.
const (
	ReasonTimeout     = "timeout"
	ReasonNoData      = "no_data"
	ReasonPartialData = "partial_data"
	ReasonInternal    = "internal_error"
)

// Target defines a monitored server.
type Target struct {
	ID               string          `yaml:"id" json:"id" validate:"required"`
	Name             string          `yaml:"name" json:"name"`
	Address          string          `yaml:"address" json:"address" validate:"required"`
	OS               OSKind          `yaml:"os" json:"os" validate:"required,oneof=windows linux"`
	SSHPort          int             `yaml:"ssh_port" json:"ssh_port,omitempty" validate:"gte=0,lte=65535"`
	Profile          string          `yaml:"profile" json:"profile,omitempty"`
	HasDatabase      bool            `yaml:"has_database" json:"has_database"`
	SortOrder        int             `yaml:"sort_order" json:"sort_order"`
	DiskPath         string          `yaml:"disk_path" json:"disk_path,omitempty"`
	ContainerMetrics bool            `yaml:"container_metrics" json:"container_metrics,omitempty"`
	Items            []MonitoredItem `yaml:"items" json:"items" validate:"dive"`
}

// DisplayName returns the configured name or the id.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Item looks up a declared item by name, case-insensitively.
func (t Target) Item(name string) (MonitoredItem, bool) {
	for _, item := range t.Items {
		if strings.EqualFold(item.Name, name) {
			return item, true
		}
	}
	return MonitoredItem{}, false
}

// ItemsOfKind returns declared items of the given kind in declaration order.
func (t Target) ItemsOfKind(kind ItemKind) []MonitoredItem {
	var out []MonitoredItem
	for _, item := range t.Items {
		if item.Kind == kind {
			out = append(out, item)
		}
	}
	return out
}

// MonitoredItem is a process, service or container declared for a target.
type MonitoredItem struct {
	Name         string   `yaml:"name" json:"name" validate:"required"`
	Kind         ItemKind `yaml:"kind" json:"kind" validate:"required,oneof=process service container"`
	DisplayName  string   `yaml:"display_name" json:"display_name,omitempty"`
	AutoRestart  *bool    `yaml:"auto_restart" json:"auto_restart,omitempty"`
	StartCommand string   `yaml:"start_command" json:"-"`
	StopCommand  string   `yaml:"stop_command" json:"-"`
}

// Restartable reports whether remediation may act on the item.
func (i MonitoredItem) Restartable() bool {
	return i.AutoRestart == nil || *i.AutoRestart
}

// Label is the name shown to humans.
func (i MonitoredItem) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Name
}

// ItemStatus is the observed status of one item, rebuilt on every aggregation.
type ItemStatus struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	Kind        ItemKind       `json:"kind"`
	State       Lifecycle      `json:"lifecycle_state"`
	PID         int            `json:"pid,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
	CPUPercent  float64        `json:"cpu_percent"`
	MemoryMB    float64        `json:"memory_mb"`
	ObservedAt  time.Time      `json:"observed_at"`
	DataSource  DataSource     `json:"data_source"`
	Restart     *RestartRecord `json:"restart,omitempty"`
}

// Resources are host level usage percentages.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"mem"`
	Disk   float64 `json:"disk"`
}

// PushReport is what an agent sends. Only the latest report per target is kept.
type PushReport struct {
	TargetID   string       `json:"target_id" validate:"required"`
	Hostname   string       `json:"hostname,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
	Resources  Resources    `json:"resources"`
	Items      []ItemStatus `json:"items" validate:"dive"`
	RawAlerts  []string     `json:"raw_alerts,omitempty"`
}

// ConnectionState tracks whether a target is reachable.
type ConnectionState struct {
	TargetID      string     `json:"target_id"`
	IsOnline      bool       `json:"is_online"`
	OfflineSince  *time.Time `json:"offline_since"`
	RecoveryCount int        `json:"recovery_count"`
	LastRecovery  *time.Time `json:"last_recovery"`
	LastSeen      time.Time  `json:"last_seen"`
}

// RestartRecord is the last remediation attempt for a (target, item) pair.
type RestartRecord struct {
	TargetID      string    `json:"target_id"`
	ItemName      string    `json:"item_name"`
	Kind          ItemKind  `json:"kind"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
}

// TargetResult is one entry of a fleet snapshot.
type TargetResult struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Address     string           `json:"address"`
	OS          OSKind           `json:"os"`
	HasDatabase bool             `json:"has_database"`
	Status      TargetStatus     `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Items       []ItemStatus     `json:"items"`
	Resources   Resources        `json:"resources"`
	DataSource  DataSource       `json:"data_source"`
	Online      bool             `json:"online"`
	Connection  *ConnectionState `json:"connection,omitempty"`
	CheckedAt   time.Time        `json:"checked_at"`
	SortOrder   int              `json:"-"`
}

// FleetSnapshot is the aggregator output.
type FleetSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Duration    time.Duration  `json:"duration_ns"`
	Summary     FleetSummary   `json:"summary"`
	Targets     []TargetResult `json:"targets"`
}

// FleetSummary counts targets per status.
type FleetSummary struct {
	Total   int `json:"total"`
	Normal  int `json:"normal"`
	Warning int `json:"warning"`
	Error   int `json:"error"`
	Offline int `json:"offline"`
}

// Summarize counts results by status.
func Summarize(targets []TargetResult) FleetSummary {
	sum := FleetSummary{Total: len(targets)}
	for _, t := range targets {
		switch t.Status {
		case StatusNormal:
			sum.Normal++
		case StatusWarning:
			sum.Warning++
		case StatusError:
			sum.Error++
		case StatusOffline:
			sum.Offline++
		}
	}
	return sum
}

// Target returns the result for the given id.
func (s FleetSnapshot) Target(id string) (TargetResult, bool) {
	for _, t := range s.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetResult{}, false
}
