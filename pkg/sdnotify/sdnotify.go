// Package sdnotify wraps the two service-manager integration points every
// tattoo role uses (§6): readiness/reload/stop notifications over the
// NOTIFY_SOCKET datagram, and picking up a listening socket the service
// manager has already bound via LISTEN_FDS. Grounded on
// original_source/sdnotify.py's bare-socket notifier, reimplemented on
// github.com/coreos/go-systemd/v22, the library the ecosystem uses for this
// instead of hand-rolling the abstract-namespace socket handling.
package sdnotify

import (
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/arthurzam/tattoo/pkg/log"
)

// Ready notifies the service manager that startup is complete.
func Ready() { notify(daemon.SdNotifyReady) }

// Reloading notifies the service manager that a lost connection is being
// re-established (Tester reconnect, §4.5 step 5).
func Reloading() { notify(daemon.SdNotifyReloading) }

// Stopping notifies the service manager of a graceful shutdown in progress.
func Stopping() { notify(daemon.SdNotifyStopping) }

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	logger := log.WithComponent("sdnotify")
	switch {
	case err != nil:
		logger.Warn().Err(err).Str("state", state).Msg("failed to notify service manager")
	case !sent:
		logger.Debug().Str("state", state).Msg("NOTIFY_SOCKET not set, skipping notification")
	}
}

// InheritedListener returns the socket the service manager already bound
// (LISTEN_PID/LISTEN_FDS), or nil if none was passed down.
func InheritedListener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) == 0 {
		return nil, nil
	}
	return listeners[0], nil
}
