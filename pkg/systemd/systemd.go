// Package systemd reports service state to the systemd manager over the
// notify socket. Every call is a no-op when the process does not run under
// a Type=notify unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "fleetnotify/pkg/logx"
)

// Ready sends READY=1.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping sends STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx ends.
// healthy gates each ping so a failed daemon lets systemd restart it.
// Returns immediately when the watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping withheld: daemon unhealthy")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
