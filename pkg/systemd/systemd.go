// Package systemd reports service state to systemd for Type=notify units.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nudge/pkg/logx"
)

func notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

func Ready() error    { return notify(daemon.SdNotifyReady) }
func Stopping() error { return notify(daemon.SdNotifyStopping) }

// Reloading marks a config reload in progress; send Ready when it is done.
func Reloading() error {
	return notify(fmt.Sprintf("RELOADING=1\nMONOTONIC_USEC=%d", time.Now().UnixMicro()))
}

func Status(s string) error { return notify("STATUS=" + s) }

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. It returns at once when the unit has no WatchdogSec.
func Watchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := notify(daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
