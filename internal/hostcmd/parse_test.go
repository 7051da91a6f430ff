package hostcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/models"
)

func TestParseTasklist(t *testing.T) {
	out := `"System Idle Process","0","Services","0","8 K"
"Oracle.exe","4120","Services","0","1,234,567 K"
"Oracle.exe","4121","Services","0","1,024 K"
"explorer.exe","812","Console","1","102,400 K"`

	procs, err := ParseTasklist(out)
	require.NoError(t, err)
	require.Len(t, procs, 4)
	assert.Equal(t, 4120, procs[1].PID)
	assert.Equal(t, 1205.6, procs[1].MemoryMB)

	p, ok := MatchProcess(procs, "oracle")
	require.True(t, ok)
	assert.Equal(t, 4120, p.PID)
	assert.Equal(t, 1206.6, p.MemoryMB)

	_, ok = MatchProcess(procs, "notepad.exe")
	assert.False(t, ok)
}

func TestParsePS(t *testing.T) {
	out := `    1 systemd          0.0  11200
  812 java             12.5 524288
  900 very-long-daemo   1.0   2048`

	procs := ParsePS(out)
	require.Len(t, procs, 3)
	assert.Equal(t, "java", procs[1].Name)
	assert.Equal(t, 12.5, procs[1].CPU)
	assert.Equal(t, 512.0, procs[1].MemoryMB)

	p, ok := MatchProcess(procs, "very-long-daemon-name")
	require.True(t, ok)
	assert.Equal(t, 900, p.PID)
}

func TestParseServiceCSV(t *testing.T) {
	out := `"Name","Status"
"ACC.Server","Running"
"Spooler","Stopped"
"wuauserv","StartPending"
"Legacy","4"`

	states, err := ParseServiceCSV(out)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, states["acc.server"])
	assert.Equal(t, models.StateStopped, states["spooler"])
	assert.Equal(t, models.StatePending, states["wuauserv"])
	assert.Equal(t, models.StateRunning, states["legacy"])
}

func TestParseSystemctl(t *testing.T) {
	out := "LoadState=loaded\nActiveState=active\n\n" +
		"ActiveState=failed\nLoadState=loaded\n\n" +
		"LoadState=loaded\nActiveState=activating\n\n" +
		"LoadState=not-found\nActiveState=inactive\n\n" +
		"LoadState=loaded\nActiveState=bogus\n"
	states := ParseSystemctl(out, []string{"nginx", "cron", "Docker", "ghost", "x", "y"})
	assert.Equal(t, models.StateRunning, states["nginx"])
	assert.Equal(t, models.StateStopped, states["cron"])
	assert.Equal(t, models.StatePending, states["docker"])
	assert.Equal(t, models.StateUnknown, states["ghost"], "unit the host does not know")
	assert.Equal(t, models.StateUnknown, states["x"])
	assert.Equal(t, models.StateUnknown, states["y"])
}

func TestParseSystemctlInactiveLoadedUnit(t *testing.T) {
	states := ParseSystemctl("LoadState=loaded\r\nActiveState=inactive\r\n", []string{"cron"})
	assert.Equal(t, models.StateStopped, states["cron"])
}

func TestParseDockerPS(t *testing.T) {
	out := `hulu-eai|Up 3 hours|abc123
redis|Exited (0) 2 days ago|def456
worker|Up 5 minutes (Paused)|aaa111
broker|Restarting (1) 3 seconds ago|bbb222`

	containers := ParseDockerPS(out)
	require.Len(t, containers, 4)
	assert.Equal(t, "abc123", containers[0].ID)
	assert.Equal(t, models.StateRunning, ContainerState(containers[0].Status))
	assert.Equal(t, models.StateStopped, ContainerState(containers[1].Status))
	assert.Equal(t, models.StateStopped, ContainerState(containers[2].Status))
	assert.Equal(t, models.StatePending, ContainerState(containers[3].Status))
	assert.Equal(t, models.StateUnknown, ContainerState("weird"))
}

func TestParseDockerStats(t *testing.T) {
	stats := ParseDockerStats("hulu-eai|12.50%|256MiB / 1.952GiB\nredis|0.10%|1.5GiB / 4GiB")
	assert.Equal(t, 12.5, stats["hulu-eai"].CPU)
	assert.Equal(t, 256.0, stats["hulu-eai"].MemoryMB)
	assert.Equal(t, 1536.0, stats["redis"].MemoryMB)
}

func TestParseMemorySize(t *testing.T) {
	tests := map[string]float64{
		"256MiB": 256,
		"2GiB":   2048,
		"512KiB": 0.5,
		"1GB":    1000,
		"bogus":  0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMemorySize(in), in)
	}
}

func TestParseWMIValues(t *testing.T) {
	out := "\r\n\r\nLoadPercentage=20\r\n\r\nLoadPercentage=40\r\nName=CPU\r\n"
	v := ParseWMIValues(out)
	assert.Equal(t, []float64{20, 40}, v["loadpercentage"])
	_, ok := v["name"]
	assert.False(t, ok)
}

func TestParseVmstatCPU(t *testing.T) {
	out := `procs -----------memory---------- ---swap-- -----io---- -system-- ------cpu-----
 r  b   swpd   free   buff  cache   si   so    bi    bo   in   cs us sy id wa st
 1  0      0 812344  10240 204800    0    0     5     3   50   80  2  1 97  0  0
 0  0      0 812300  10240 204800    0    0     0     0   60   90 20  5 75  0  0`

	cpu, err := ParseVmstatCPU(out)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cpu)

	_, err = ParseVmstatCPU("garbage")
	assert.Error(t, err)
}

func TestParseFreeMemory(t *testing.T) {
	out := `              total        used        free      shared  buff/cache   available
Mem:     1000000000   300000000   200000000     1000000   500000000   600000000
Swap:             0           0           0`

	mem, err := ParseFreeMemory(out)
	require.NoError(t, err)
	assert.Equal(t, 40.0, mem)

	_, err = ParseFreeMemory("Swap: 0 0 0")
	assert.Error(t, err)
}

func TestParseDFUsage(t *testing.T) {
	out := `Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda1         41152812 37037530   4115282      91% /`

	disk, err := ParseDFUsage(out)
	require.NoError(t, err)
	assert.Equal(t, 91.0, disk)

	_, err = ParseDFUsage("Filesystem")
	assert.Error(t, err)
}
