// Package commsutil holds the COMMS plumbing shared by broker nodes: connection
// setup, subject naming, request/response envelopes and the value codec.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// Connection defaults for a node's primary connection.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = 60
)

// Connect opens a named COMMS connection that logs disconnects and
// reconnects. extra options are applied after the defaults and win over them.
func Connect(url, name string, extra ...comms.Option) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	opts := []comms.Option{
		comms.Name(name),
		comms.Timeout(DefaultConnectTimeout),
		comms.ReconnectWait(DefaultReconnectWait),
		comms.MaxReconnects(DefaultMaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - %s disconnected: %v", logPrefix, name, err))
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - %s reconnected to %s", logPrefix, name, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Debug(fmt.Sprintf("%s - %s closed", logPrefix, name))
		}),
	}
	nc, err := comms.Connect(url, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, url, err)
	}

	slog.Info(fmt.Sprintf("%s - %s connected to %s (server %s)", logPrefix, name, nc.ConnectedUrl(), nc.ConnectedServerId()))
	return nc, nil
}
