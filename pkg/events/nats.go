// Package events publishes committed engine events to NATS
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/perp"
)

// DefaultPrefix is the subject prefix when none is configured
const DefaultPrefix = "perps"

// publisher is the subset of *nats.Conn used here
type publisher interface {
	Publish(subject string, data []byte) error
}

// Counter is told about every published event
type Counter interface {
	EventPublished(eventType string)
}

// NATSPublisher sends each event as JSON on <prefix>.<type>, for example
// perps.position.closed
type NATSPublisher struct {
	conn    publisher
	nc      *nats.Conn
	prefix  string
	counter Counter
	logger  log.Logger
}

var _ perp.EventSink = (*NATSPublisher)(nil)

// Connect dials NATS and returns a publisher on prefix
func Connect(url, prefix string, counter Counter) (*NATSPublisher, error) {
	logger := log.Root().New("module", "events")

	nc, err := nats.Connect(url,
		nats.Name("perpd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	p := newPublisher(nc, prefix, counter)
	p.nc = nc
	p.logger = logger
	logger.Info("Connected to NATS", "url", url, "prefix", p.prefix)
	return p, nil
}

func newPublisher(conn publisher, prefix string, counter Counter) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{
		conn:    conn,
		prefix:  prefix,
		counter: counter,
		logger:  log.Root().New("module", "events"),
	}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t perp.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish encodes and sends an event. NATS buffers while reconnecting, so the
// context is only checked before sending.
func (p *NATSPublisher) Publish(ctx context.Context, event perp.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	if p.counter != nil {
		p.counter.EventPublished(string(event.Type))
	}
	return nil
}

// Close flushes and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
		p.nc.Close()
	}
}

// Encode serializes an event for the wire
func Encode(event perp.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return data, nil
}

// Decode parses an event published by NATSPublisher
func Decode(data []byte) (perp.Event, error) {
	var event perp.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return perp.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}
