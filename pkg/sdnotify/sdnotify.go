// Package sdnotify reports daemon lifecycle to systemd when the process
// runs under a Type=notify unit. Outside systemd (no NOTIFY_SOCKET) every
// call is a cheap no-op, so callers never need to guard for it.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "fleetd/pkg/logx"
)

// Ready tells systemd that startup finished. Reports whether the
// notification was actually delivered.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping tells systemd a clean shutdown began.
func Stopping() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return ok
}

// Status publishes a one-line status string shown by systemctl status.
func Status(text string) bool {
	ok, _ := daemon.SdNotify(false, "STATUS="+text)
	return ok
}

// Watchdog starts pinging WATCHDOG=1 until ctx is done. The ping period
// is half the interval systemd advertises, floored at one second.
// Reports whether the watchdog is armed; false means the unit has no
// WatchdogSec and nothing was started.
func Watchdog(ctx context.Context, log logx.Logger) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return false
	}
	tick := interval / 2
	if tick < time.Second {
		tick = time.Second
	}
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	}()
	log.Info("systemd watchdog armed",
		logx.Duration("interval", interval),
		logx.Duration("ping_every", tick))
	return true
}
