package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// trigger is the periodic schedule derived from an interval in minutes.
// Sub-hour intervals run on a plain duration; everything longer snaps to
// wall-clock boundaries.
type trigger struct {
	every time.Duration
	cron  string
}

// triggerFor maps an interval in minutes onto a trigger:
// under an hour, every N minutes; under a day, every full hour block on the
// hour; under a week, every full day block at midnight; anything longer,
// monthly at 02:00.
func triggerFor(minutes int) trigger {
	if minutes < 1 {
		minutes = 1
	}
	switch {
	case minutes < 60:
		return trigger{every: time.Duration(minutes) * time.Minute}
	case minutes < 24*60:
		return trigger{cron: fmt.Sprintf("0 */%d * * *", minutes/60)}
	case minutes < 7*24*60:
		return trigger{cron: fmt.Sprintf("0 0 */%d * *", minutes/(24*60))}
	default:
		return trigger{cron: "0 2 1 * *"}
	}
}

func (t trigger) jobDefinition() gocron.JobDefinition {
	if t.cron != "" {
		return gocron.CronJob(t.cron, false)
	}
	return gocron.DurationJob(t.every)
}
