// Package irker sends a one-line job summary to the IRC relay daemon
// (https://github.com/ESR/irker) as a UDP JSON datagram. It is one of the
// deliberately out-of-scope external collaborators (§1 Non-goals): the
// Tester fires a best-effort notification and never waits on, retries, or
// inspects the result. Grounded on original_source/tester.py's send_irker.
package irker

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Config names the relay daemon's listening address and the IRC target to
// relay into.
type Config struct {
	ListenerAddr string // default "127.0.0.1:6659"
	Channel      string // e.g. "ircs://irc.libera.chat:6697/#gentoo-arthurzam"
	Identifier   string // the Tester's worker name, prefixed onto every message
}

// DefaultListenerAddr is irkerd's conventional local UDP port.
const DefaultListenerAddr = "127.0.0.1:6659"

type datagram struct {
	To      string `json:"to"`
	Privmsg string `json:"privmsg"`
}

// Notify sends one best-effort, fire-and-forget UDP datagram. Errors are
// returned to the caller to log, never to block or retry the job pipeline
// on.
func Notify(cfg Config, bugNo int, summary string) error {
	addr := cfg.ListenerAddr
	if addr == "" {
		addr = DefaultListenerAddr
	}
	message := fmt.Sprintf("\x0314[%s]: \x0305bug #%d\x0F - %s", cfg.Identifier, bugNo, summary)
	payload, err := json.Marshal(datagram{To: cfg.Channel, Privmsg: message})
	if err != nil {
		return fmt.Errorf("irker: encode: %w", err)
	}

	conn, err := net.DialTimeout("udp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("irker: dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("irker: write: %w", err)
	}
	return nil
}
