// Package natsbus implements the optional cross-instance mirror bus
// referenced by spec §6's PUBLISH_BUS_ENABLED/NATS_URL settings: when
// several marketfeed processes share a subscriber population behind a load
// balancer, one instance's publisher tick is mirrored onto NATS so the
// others can fan it out to their own local connections instead of each
// polling the source adapter independently. Grounded on the teacher's
// go-server/pkg/nats/client.go (connect/reconnect/error handler wiring and
// subject-builder pattern), swapped from a log.Logger onto zerolog and
// narrowed to the one Publish operation internal/publisher needs.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config carries the connection tunables, matching the teacher client's
// Config fields one for one.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultConfig returns conservative reconnect tunables suitable for a
// same-datacenter NATS deployment.
func DefaultConfig() Config {
	return Config{
		MaxReconnects:   -1, // retry forever; the bus is a best-effort mirror, not a dependency
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// Bus wraps a NATS connection for the one operation internal/publisher
// needs: mirroring a published record onto a subject other instances can
// subscribe to.
type Bus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials the configured NATS server and wires connection-lifecycle
// logging, following the teacher's connectHandler/disconnectHandler/
// reconnectHandler/errorHandler registration.
func Connect(cfg Config, logger zerolog.Logger) (*Bus, error) {
	logger = logger.With().Str("component", "natsbus").Logger()
	b := &Bus{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from nats")
				return
			}
			logger.Info().Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	b.conn = conn
	return b, nil
}

// marketSubject matches the teacher's Subjects builder shape (a dotted,
// per-entity hierarchy), scoped to this domain's symbol/message-type pair.
func marketSubject(symbol, msgType string) string {
	return fmt.Sprintf("marketfeed.%s.%s", msgType, symbol)
}

// Publish implements internal/publisher's Mirror interface: JSON-encode
// data and publish it to the symbol/message-type subject.
func (b *Bus) Publish(subject, msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("natsbus: marshal: %w", err)
	}
	if err := b.conn.Publish(marketSubject(subject, msgType), payload); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is currently up;
// false for a Bus that never connected.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close closes the connection during graceful shutdown without draining
// it; a Bus with no connection is a no-op.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
