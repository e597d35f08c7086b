package eventbridge

import (
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
)

// Connect opens a NATS connection suitable for a [Bridge], configured to
// reconnect indefinitely with backoff rather than surface a transient
// connection drop as a publish failure.
func Connect(url, clientName string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("eventbridge: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("eventbridge: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: connect to %q: %w", url, err)
	}
	return conn, nil
}
