package hostcmd

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"fleetmon/internal/models"
)

// ProcessInfo is one running process as listed by the host.
type ProcessInfo struct {
	Name     string
	PID      int
	CPU      float64
	MemoryMB float64
}

// ContainerInfo is one container as listed by docker ps.
type ContainerInfo struct {
	Name   string
	ID     string
	Status string
}

// ContainerStats is one line of docker stats.
type ContainerStats struct {
	Name     string
	CPU      float64
	MemoryMB float64
}

// normalizeProcessName lowercases and drops a trailing .exe.
func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// ParseTasklist reads `tasklist /FO CSV /NH` output.
func ParseTasklist(out string) ([]ProcessInfo, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tasklist: %w", err)
	}

	var procs []ProcessInfo
	for _, rec := range records {
		if len(rec) < 5 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{
			Name:     rec[0],
			PID:      pid,
			MemoryMB: parseTasklistMemory(rec[4]),
		})
	}
	return procs, nil
}

// parseTasklistMemory turns "12,345 K" into megabytes.
func parseTasklistMemory(raw string) float64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	kb, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0
	}
	return round1(kb / 1024)
}

// ParsePS reads `ps -eo pid=,comm=,pcpu=,rss=` output.
func ParsePS(out string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		n := len(fields)
		cpu, _ := strconv.ParseFloat(fields[n-2], 64)
		rss, _ := strconv.ParseFloat(fields[n-1], 64)
		procs = append(procs, ProcessInfo{
			Name:     strings.Join(fields[1:n-2], " "),
			PID:      pid,
			CPU:      cpu,
			MemoryMB: round1(rss / 1024),
		})
	}
	return procs
}

// MatchProcess sums every process instance whose name matches item. Linux
// truncates comm to 15 characters.
func MatchProcess(procs []ProcessInfo, item string) (ProcessInfo, bool) {
	want := normalizeProcessName(item)
	var found ProcessInfo
	ok := false
	for _, p := range procs {
		have := normalizeProcessName(p.Name)
		if have != want && !(len(have) == 15 && strings.HasPrefix(want, have)) {
			continue
		}
		if !ok {
			found = ProcessInfo{Name: p.Name, PID: p.PID}
			ok = true
		}
		found.CPU += p.CPU
		found.MemoryMB += p.MemoryMB
	}
	found.CPU = round1(found.CPU)
	found.MemoryMB = round1(found.MemoryMB)
	return found, ok
}

// ParseServiceCSV reads Get-Service output piped through ConvertTo-Csv.
// Keys are lowercased service names.
func ParseServiceCSV(out string) (map[string]models.Lifecycle, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse service list: %w", err)
	}

	states := make(map[string]models.Lifecycle)
	for _, rec := range records {
		if len(rec) < 2 || strings.EqualFold(rec[0], "Name") || strings.HasPrefix(rec[0], "#") {
			continue
		}
		states[strings.ToLower(strings.TrimSpace(rec[0]))] = windowsServiceState(rec[1])
	}
	return states, nil
}

func windowsServiceState(raw string) models.Lifecycle {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "running" || s == "4":
		return models.StateRunning
	case s == "stopped" || s == "1" || s == "paused" || s == "7":
		return models.StateStopped
	case strings.HasSuffix(s, "pending") || s == "2" || s == "3" || s == "5" || s == "6":
		return models.StatePending
	default:
		return models.StateUnknown
	}
}

// ParseSystemctl reads `systemctl show -p LoadState,ActiveState a b ...`.
// Units come back in argument order as blank-line separated blocks. Units
// systemd could not load are unknown.
func ParseSystemctl(out string, names []string) map[string]models.Lifecycle {
	var blocks []map[string]string
	current := map[string]string{}
	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = map[string]string{}
			}
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			current[key] = value
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	states := make(map[string]models.Lifecycle, len(names))
	for i, name := range names {
		state := models.StateUnknown
		if i < len(blocks) && blocks[i]["LoadState"] == "loaded" {
			state = systemdState(blocks[i]["ActiveState"])
		}
		states[strings.ToLower(name)] = state
	}
	return states
}

func systemdState(raw string) models.Lifecycle {
	switch strings.TrimSpace(raw) {
	case "active":
		return models.StateRunning
	case "inactive", "failed", "dead":
		return models.StateStopped
	case "activating", "deactivating", "reloading", "refreshing":
		return models.StatePending
	default:
		return models.StateUnknown
	}
}

// ParseDockerPS reads `docker ps -a --format "{{.Names}}|{{.Status}}|{{.ID}}"`.
func ParseDockerPS(out string) []ContainerInfo {
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		containers = append(containers, ContainerInfo{
			Name:   parts[0],
			Status: parts[1],
			ID:     parts[2],
		})
	}
	return containers
}

// ContainerState maps a docker ps status column onto a lifecycle.
func ContainerState(status string) models.Lifecycle {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "(paused)"):
		return models.StateStopped
	case strings.HasPrefix(s, "up"):
		return models.StateRunning
	case strings.HasPrefix(s, "restarting"):
		return models.StatePending
	case strings.HasPrefix(s, "exited"), strings.HasPrefix(s, "created"), strings.HasPrefix(s, "dead"):
		return models.StateStopped
	default:
		return models.StateUnknown
	}
}

// ParseDockerStats reads `docker stats --no-stream --format "{{.Name}}|{{.CPUPerc}}|{{.MemUsage}}"`.
func ParseDockerStats(out string) map[string]ContainerStats {
	stats := make(map[string]ContainerStats)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) < 3 {
			continue
		}
		cpu, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[1]), "%"), 64)
		used := strings.TrimSpace(strings.Split(parts[2], "/")[0])
		stats[strings.ToLower(parts[0])] = ContainerStats{
			Name:     parts[0],
			CPU:      cpu,
			MemoryMB: ParseMemorySize(used),
		}
	}
	return stats
}

// ParseMemorySize converts docker sizes such as "256MiB" or "1.5GB" to MB.
func ParseMemorySize(raw string) float64 {
	raw = strings.TrimSpace(raw)
	units := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1024}, {"MiB", 1}, {"KiB", 1.0 / 1024}, {"GB", 1000}, {"MB", 1}, {"kB", 1.0 / 1000}, {"B", 1.0 / (1024 * 1024)},
	}
	for _, u := range units {
		if strings.HasSuffix(raw, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(raw, u.suffix)), 64)
			if err != nil {
				return 0
			}
			return round1(v * u.factor)
		}
	}
	return 0
}

// ParseWMIValues reads `wmic ... /format:value` output into key/value pairs.
// Repeated keys, one per CPU for example, keep every value.
func ParseWMIValues(out string) map[string][]float64 {
	values := make(map[string][]float64)
	for _, line := range strings.Split(out, "\n") {
		key, raw, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		values[strings.ToLower(key)] = append(values[strings.ToLower(key)], v)
	}
	return values
}

// ParseVmstatCPU returns 100 minus the idle column of the last vmstat sample.
func ParseVmstatCPU(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	idleCol := -1
	for _, line := range lines {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "id" {
				idleCol = i
			}
		}
		if idleCol >= 0 {
			break
		}
	}
	if idleCol < 0 || len(lines) == 0 {
		return 0, fmt.Errorf("parse vmstat: no idle column")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if idleCol >= len(fields) {
		return 0, fmt.Errorf("parse vmstat: short sample line")
	}
	idle, err := strconv.ParseFloat(fields[idleCol], 64)
	if err != nil {
		return 0, fmt.Errorf("parse vmstat: %w", err)
	}
	return round1(100 - idle), nil
}

// ParseFreeMemory reads `free -b` and returns used memory as a percentage of
// total, counting reclaimable cache as free.
func ParseFreeMemory(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Mem:" {
			continue
		}
		total, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || total <= 0 {
			return 0, fmt.Errorf("parse free: bad total %q", fields[1])
		}
		used, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return 0, fmt.Errorf("parse free: bad used %q", fields[2])
		}
		if len(fields) >= 7 {
			if available, err := strconv.ParseFloat(fields[6], 64); err == nil {
				used = total - available
			}
		}
		return round1(used / total * 100), nil
	}
	return 0, fmt.Errorf("parse free: no Mem line")
}

// ParseDFUsage reads the capacity column of `df -P <path>`.
func ParseDFUsage(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("parse df: no data line")
	}
	for _, f := range strings.Fields(lines[len(lines)-1]) {
		if strings.HasSuffix(f, "%") {
			v, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64)
			if err != nil {
				return 0, fmt.Errorf("parse df: %w", err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("parse df: no capacity column")
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
