package controlplane

import (
	"context"
	"time"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/worker"
)

// watch probes the live connection every watchInterval (with jitter) and
// tears it down when the server stops answering.
func (cp *ControlPlane) watch(ctx context.Context) {
	defer close(cp.watchDone)

	cp.logger.Debug("liveness watchdog started", "interval", cp.watchInterval)
	timer := time.NewTimer(worker.Jitter(cp.watchInterval, 0.1))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			cp.logger.Debug("liveness watchdog stopped")
			return
		case <-timer.C:
			cp.checkLiveness(ctx)
			timer.Reset(worker.Jitter(cp.watchInterval, 0.1))
		}
	}
}

func (cp *ControlPlane) checkLiveness(ctx context.Context) {
	c := cp.Get()
	if c == nil {
		return
	}
	l := c.Probe(ctx)
	if l.Alive() {
		return
	}
	if cp.teardown(c, "watchdog_"+l.State.String()) {
		cp.lifecycle.MarkRunning(false)
		cp.logger.Warn("server stopped answering", "state", l.State.String(), "reason", l.Reason)
		cp.notifier.Notify(ctx, Notice{Level: LevelWarning, Message: "server connection lost"})
		if cp.reconnects > 0 {
			cp.scheduleReconnect(0)
		}
	}
}

// maxReconnectDelay caps the wait between redials.
const maxReconnectDelay = time.Minute

// scheduleReconnect queues redial attempt on the worker after a backoff
// based on the watch interval.
func (cp *ControlPlane) scheduleReconnect(attempt int) {
	delay := worker.Backoff(attempt, cp.watchInterval, maxReconnectDelay)
	cp.logger.Debug("reconnect scheduled", "attempt", attempt+1, "delay", delay)
	cp.worker.SubmitAfter("reconnect", delay, func(ctx context.Context) {
		cp.reconnect(ctx, attempt)
	})
}

// reconnect runs on the worker. A restarted server has lost its
// registrations, so a successful redial syncs right away.
func (cp *ControlPlane) reconnect(ctx context.Context, attempt int) {
	if cp.Get() != nil {
		return
	}
	if _, err := cp.connect(ctx); err != nil {
		if attempt+1 >= cp.reconnects {
			cp.logger.Warn("giving up on reconnect", "attempts", attempt+1, "error", err)
			return
		}
		cp.scheduleReconnect(attempt + 1)
		return
	}
	if _, err := cp.sync(ctx); err != nil {
		cp.logger.Warn("sync after reconnect failed", "error", err)
	}
	cp.notifier.Notify(ctx, Notice{Level: LevelInfo, Message: "server connection restored"})
}
