package hostcmd

import (
	"errors"
	"fmt"
	"strings"

	"fleetmon/internal/models"
)

// ErrNoStartCommand is returned for processes without a configured start command.
var ErrNoStartCommand = errors.New("no start command configured")

// RestartPlan is the pair of commands that restarts an item. Stop may be
// empty when Start restarts on its own.
type RestartPlan struct {
	Stop  string
	Start string
}

// PlanRestart builds the restart commands for item on target.
func PlanRestart(target models.Target, item models.MonitoredItem) (RestartPlan, error) {
	windows := target.OS == models.OSWindows

	switch item.Kind {
	case models.KindService:
		if windows {
			return RestartPlan{
				Stop:  fmt.Sprintf(`sc stop "%s"`, item.Name),
				Start: fmt.Sprintf(`sc start "%s"`, item.Name),
			}, nil
		}
		return RestartPlan{
			Stop:  "systemctl stop " + shellQuote(item.Name),
			Start: "systemctl start " + shellQuote(item.Name),
		}, nil

	case models.KindProcess:
		if item.StartCommand == "" {
			return RestartPlan{}, ErrNoStartCommand
		}
		stop := item.StopCommand
		if stop == "" {
			if windows {
				image := item.Name
				if !strings.HasSuffix(strings.ToLower(image), ".exe") {
					image += ".exe"
				}
				stop = fmt.Sprintf(`taskkill /F /IM "%s"`, image)
			} else {
				stop = "pkill -x " + shellQuote(item.Name)
			}
		}
		return RestartPlan{Stop: stop, Start: item.StartCommand}, nil

	case models.KindContainer:
		if windows {
			return RestartPlan{Start: fmt.Sprintf(`docker restart "%s"`, item.Name)}, nil
		}
		return RestartPlan{Start: "docker restart " + shellQuote(item.Name)}, nil

	default:
		return RestartPlan{}, fmt.Errorf("unsupported item kind %q", item.Kind)
	}
}
