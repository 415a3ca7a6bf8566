package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tartuvoice/helisild/internal/monitor"
	"github.com/tartuvoice/helisild/pkg/sidecar"
)

// watchSidecar turns unrequested sidecar exits into restart attempts. It
// returns nil when ctx ends or when the exit was requested (the shutdown
// path), and an error when the sidecar died with restarting disabled or all
// restart attempts were used up. An error ends Run.
func (a *App) watchSidecar(ctx context.Context) error {
	exits := make(chan sidecar.ExitEvent, 4)
	unsub := a.sidecar.OnExit(func(ev sidecar.ExitEvent) {
		select {
		case exits <- ev:
		default:
		}
	})
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-exits:
			if ev.Requested {
				return nil
			}
			a.hub.Publish(monitor.Event{
				Type:  monitor.EventSidecarState,
				State: a.sidecar.State().String(),
			})
			if !a.cfg.Sidecar.Restart.IsEnabled() {
				return fmt.Errorf("app: sidecar exited with code %d and restarting is disabled", ev.Code)
			}
			if err := a.restartSidecar(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// restartSidecar respawns the sidecar with exponential backoff and rejoins
// the live sessions once it is back. The attempt counter is per crash: a
// sidecar that comes back and dies again later gets a fresh budget, paced by
// the initial backoff wait before the first respawn.
func (a *App) restartSidecar(ctx context.Context, ev sidecar.ExitEvent) error {
	restart := a.cfg.Sidecar.Restart
	backoff := restart.Backoff()

	for attempt := 1; attempt <= restart.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		slog.Info("restarting sidecar",
			"attempt", attempt,
			"max_attempts", restart.MaxAttempts,
			"exit_code", ev.Code,
		)

		err := a.sidecar.Start(ctx)
		if err == nil {
			a.metrics.RecordSidecarRestart(ctx)
			a.hub.Publish(monitor.Event{
				Type:  monitor.EventSidecarState,
				State: a.sidecar.State().String(),
			})
			slog.Info("sidecar restarted", "attempt", attempt)
			if err := a.manager.RejoinAll(ctx); err != nil {
				slog.Error("rejoining calls after sidecar restart", "err", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		slog.Warn("sidecar restart failed",
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)

		backoff *= 2
		if limit := restart.MaxBackoff(); backoff > limit {
			backoff = limit
		}
	}

	return fmt.Errorf("app: sidecar did not come back after %d restart attempts", restart.MaxAttempts)
}
