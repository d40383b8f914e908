package server

import (
	"context"
	"time"

	"nodevalidator/internal/logging"
)

// Idler reports how long the coordinator has been idle and whether a run is
// active.
type Idler interface {
	Idle() (time.Duration, bool)
}

// WatchIdle calls onIdle once and returns when no command or heartbeat has
// arrived for timeout while no run is active. It checks every timeout/4,
// at most every 10 seconds. A zero timeout disables the watchdog.
func WatchIdle(ctx context.Context, c Idler, timeout time.Duration, onIdle func()) {
	if timeout <= 0 {
		<-ctx.Done()
		return
	}
	every := timeout / 4
	if every > 10*time.Second {
		every = 10 * time.Second
	}
	if every <= 0 {
		every = timeout
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, active := c.Idle()
			if active || idle < timeout {
				continue
			}
			logging.Server("Idle for %v with no active run, recycling", idle.Round(time.Second))
			onIdle()
			return
		}
	}
}
