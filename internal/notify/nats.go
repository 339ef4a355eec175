package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/atmx/perp-engine/internal/exchange"
)

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event as JSON on "<prefix>.<kind>".
type NATSPublisher struct {
	pub    Publisher
	prefix string
}

// NewNATSPublisher wraps pub. An empty prefix defaults to "engine".
func NewNATSPublisher(pub Publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "engine"
	}
	return &NATSPublisher{pub: pub, prefix: prefix}
}

// ConnectNATS dials url and returns a publisher on it with the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, *nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("perp-engine"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix), nc, nil
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev exchange.Event) string {
	return p.prefix + "." + string(ev.Kind)
}

func (p *NATSPublisher) Notify(_ context.Context, ev exchange.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	if err := p.pub.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(ev), err)
	}
	return nil
}
