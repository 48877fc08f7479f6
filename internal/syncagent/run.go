package syncagent

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = 5 * time.Second

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Run watches the connectivity signal until ctx is cancelled. Every
// Offline→Online transition triggers one SyncPending pass; safetyCron
// (optional, 5-field cron expression) schedules additional passes as a
// safety net against missed transitions.
func (a *Agent) Run(ctx context.Context, pollInterval time.Duration, safetyCron string) error {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	var sched cron.Schedule
	if safetyCron != "" {
		s, err := cronParser.Parse(safetyCron)
		if err != nil {
			log.Printf("syncagent: bad safety cron %q, disabled: %v", safetyCron, err)
		} else {
			sched = s
		}
	}
	var nextSafety time.Time
	if sched != nil {
		nextSafety = sched.Next(a.now())
	}

	wasOnline := a.conn.Online()
	if wasOnline {
		// Drain anything left over from a previous run.
		if err := a.SyncPending(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			online := a.conn.Online()
			if online && !wasOnline {
				log.Printf("syncagent: connectivity restored, draining queue")
				if err := a.SyncPending(); err != nil {
					return err
				}
			}
			wasOnline = online

			if sched != nil && !a.now().Before(nextSafety) {
				nextSafety = sched.Next(a.now())
				if online {
					if err := a.SyncPending(); err != nil {
						return err
					}
				}
			}
		}
	}
}
