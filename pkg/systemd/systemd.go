// Package systemd reports service state to the systemd manager through
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ratingbot/pkg/logx"
)

// Ready tells systemd that startup finished. It reports whether the
// notification was delivered.
func Ready() bool { return notify(daemon.SdNotifyReady) }

func Stopping() bool { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) bool { return notify("STATUS=" + msg) }

func notify(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	return ok && err == nil
}

// Watchdog pings the service watchdog at half of WatchdogSec until ctx is
// done. A ping is skipped while healthy reports false, which lets systemd
// restart a wedged process. Without a configured watchdog it just waits.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
	}
	if err != nil || every <= 0 {
		<-ctx.Done()
		return nil
	}
	every /= 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
