package hostcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/models"
)

func TestPlanRestart(t *testing.T) {
	win := models.Target{OS: models.OSWindows}
	lin := models.Target{OS: models.OSLinux}

	tests := []struct {
		name   string
		target models.Target
		item   models.MonitoredItem
		want   RestartPlan
	}{
		{
			name:   "windows service",
			target: win,
			item:   models.MonitoredItem{Name: "ACC.Server", Kind: models.KindService},
			want:   RestartPlan{Stop: `sc stop "ACC.Server"`, Start: `sc start "ACC.Server"`},
		},
		{
			name:   "linux service",
			target: lin,
			item:   models.MonitoredItem{Name: "nginx", Kind: models.KindService},
			want:   RestartPlan{Stop: "systemctl stop 'nginx'", Start: "systemctl start 'nginx'"},
		},
		{
			name:   "windows process",
			target: win,
			item:   models.MonitoredItem{Name: "Collector", Kind: models.KindProcess, StartCommand: `C:\app\collector.exe`},
			want:   RestartPlan{Stop: `taskkill /F /IM "Collector.exe"`, Start: `C:\app\collector.exe`},
		},
		{
			name:   "linux process with custom stop",
			target: lin,
			item:   models.MonitoredItem{Name: "java", Kind: models.KindProcess, StartCommand: "/opt/app/run.sh", StopCommand: "/opt/app/stop.sh"},
			want:   RestartPlan{Stop: "/opt/app/stop.sh", Start: "/opt/app/run.sh"},
		},
		{
			name:   "container",
			target: lin,
			item:   models.MonitoredItem{Name: "hulu-eai", Kind: models.KindContainer},
			want:   RestartPlan{Start: "docker restart 'hulu-eai'"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanRestart(tt.target, tt.item)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan)
		})
	}
}

func TestPlanRestartProcessWithoutStartCommand(t *testing.T) {
	_, err := PlanRestart(models.Target{OS: models.OSLinux}, models.MonitoredItem{Name: "java", Kind: models.KindProcess})
	assert.ErrorIs(t, err, ErrNoStartCommand)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
