package hostcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetmon/internal/models"
	"fleetmon/internal/remote"
)

const (
	tasklistCommand    = `tasklist /FO CSV /NH`
	psCommand          = `ps -eo pid=,comm=,pcpu=,rss=`
	dockerPSCommand    = `docker ps -a --format "{{.Names}}|{{.Status}}|{{.ID}}"`
	dockerStatsCommand = `docker stats --no-stream --format "{{.Name}}|{{.CPUPerc}}|{{.MemUsage}}"`
)

// ItemStates queries every declared item of target and returns one status
// per item in declaration order. Kinds whose query failed come back as
// unknown with data source none; the returned error joins those failures.
// Once the target proves unreachable the remaining kinds are not queried.
func ItemStates(ctx context.Context, run Runner, target models.Target, now time.Time) ([]models.ItemStatus, error) {
	byName := make(map[string]models.ItemStatus, len(target.Items))
	var errs []error

	for _, kind := range []models.ItemKind{models.KindProcess, models.KindService, models.KindContainer} {
		items := target.ItemsOfKind(kind)
		if len(items) == 0 {
			continue
		}
		var statuses map[string]models.ItemStatus
		var err error
		if len(errs) > 0 && remote.IsConnectionError(errs[len(errs)-1]) {
			err = errs[len(errs)-1]
		} else if statuses, err = queryKind(ctx, run, target, kind, items); err != nil {
			errs = append(errs, fmt.Errorf("%s query: %w", kind, err))
		}
		for _, item := range items {
			st, ok := statuses[strings.ToLower(item.Name)]
			if !ok || err != nil {
				st = models.ItemStatus{State: models.StateUnknown, DataSource: models.SourceNone}
			} else {
				st.DataSource = models.SourcePoll
			}
			st.Name = item.Name
			st.DisplayName = item.Label()
			st.Kind = item.Kind
			st.ObservedAt = now
			byName[strings.ToLower(item.Name)] = st
		}
	}

	out := make([]models.ItemStatus, 0, len(target.Items))
	for _, item := range target.Items {
		out = append(out, byName[strings.ToLower(item.Name)])
	}
	return out, errors.Join(errs...)
}

// ItemState queries a single item.
func ItemState(ctx context.Context, run Runner, target models.Target, item models.MonitoredItem) (models.Lifecycle, error) {
	statuses, err := queryKind(ctx, run, target, item.Kind, []models.MonitoredItem{item})
	if err != nil {
		return models.StateUnknown, err
	}
	st, ok := statuses[strings.ToLower(item.Name)]
	if !ok {
		return models.StateUnknown, nil
	}
	return st.State, nil
}

func queryKind(ctx context.Context, run Runner, target models.Target, kind models.ItemKind, items []models.MonitoredItem) (map[string]models.ItemStatus, error) {
	switch kind {
	case models.KindProcess:
		return queryProcesses(ctx, run, target, items)
	case models.KindService:
		return queryServices(ctx, run, target, items)
	case models.KindContainer:
		return queryContainers(ctx, run, target, items)
	default:
		return nil, fmt.Errorf("unsupported item kind %q", kind)
	}
}

// queryProcesses reports missing processes as stopped.
func queryProcesses(ctx context.Context, run Runner, target models.Target, items []models.MonitoredItem) (map[string]models.ItemStatus, error) {
	var procs []ProcessInfo
	if target.OS == models.OSWindows {
		out, err := output(ctx, run, tasklistCommand)
		if err != nil {
			return nil, err
		}
		if procs, err = ParseTasklist(out); err != nil {
			return nil, err
		}
	} else {
		out, err := output(ctx, run, psCommand)
		if err != nil {
			return nil, err
		}
		procs = ParsePS(out)
	}

	statuses := make(map[string]models.ItemStatus, len(items))
	for _, item := range items {
		p, ok := MatchProcess(procs, item.Name)
		if !ok {
			statuses[strings.ToLower(item.Name)] = models.ItemStatus{State: models.StateStopped}
			continue
		}
		statuses[strings.ToLower(item.Name)] = models.ItemStatus{
			State:      models.StateRunning,
			PID:        p.PID,
			CPUPercent: p.CPU,
			MemoryMB:   p.MemoryMB,
		}
	}
	return statuses, nil
}

// queryServices reports services the host does not know as unknown.
func queryServices(ctx context.Context, run Runner, target models.Target, items []models.MonitoredItem) (map[string]models.ItemStatus, error) {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}

	var states map[string]models.Lifecycle
	if target.OS == models.OSWindows {
		out, err := output(ctx, run, getServiceCommand(names))
		if err != nil {
			return nil, err
		}
		if states, err = ParseServiceCSV(out); err != nil {
			return nil, err
		}
	} else {
		out, err := output(ctx, run, systemctlCommand(names))
		if err != nil {
			return nil, err
		}
		states = ParseSystemctl(out, names)
	}

	statuses := make(map[string]models.ItemStatus, len(items))
	for _, item := range items {
		state, ok := states[strings.ToLower(item.Name)]
		if !ok {
			state = models.StateUnknown
		}
		statuses[strings.ToLower(item.Name)] = models.ItemStatus{State: state}
	}
	return statuses, nil
}

// queryContainers reports missing containers as stopped.
func queryContainers(ctx context.Context, run Runner, target models.Target, items []models.MonitoredItem) (map[string]models.ItemStatus, error) {
	out, err := output(ctx, run, dockerPSCommand)
	if err != nil {
		return nil, err
	}
	containers := make(map[string]ContainerInfo)
	for _, c := range ParseDockerPS(out) {
		containers[strings.ToLower(c.Name)] = c
	}

	var stats map[string]ContainerStats
	if target.ContainerMetrics {
		// metrics are best effort; the lifecycle answer above stands on its own
		if raw, err := output(ctx, run, dockerStatsCommand); err == nil {
			stats = ParseDockerStats(raw)
		}
	}

	statuses := make(map[string]models.ItemStatus, len(items))
	for _, item := range items {
		key := strings.ToLower(item.Name)
		c, ok := containers[key]
		if !ok {
			statuses[key] = models.ItemStatus{State: models.StateStopped}
			continue
		}
		st := models.ItemStatus{State: ContainerState(c.Status), ContainerID: c.ID}
		if s, ok := stats[key]; ok {
			st.CPUPercent = s.CPU
			st.MemoryMB = s.MemoryMB
		}
		statuses[key] = st
	}
	return statuses, nil
}

func getServiceCommand(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + strings.ReplaceAll(n, "'", "''") + "'"
	}
	return fmt.Sprintf(`powershell -NoProfile -Command "Get-Service -Name %s -ErrorAction SilentlyContinue | Select-Object Name,Status | ConvertTo-Csv -NoTypeInformation"`,
		strings.Join(quoted, ","))
}

func systemctlCommand(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = shellQuote(n)
	}
	return "systemctl show -p LoadState,ActiveState " + strings.Join(quoted, " ")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
