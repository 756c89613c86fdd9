// Package messaging provides a NATS client wrapper for publishing abuse
// events to downstream consumers (SIEM collectors, ban-propagation workers,
// dashboards). It handles connection lifecycle and subject-based
// subscriptions; publishing is fire-and-forget.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for abuse events.
const (
	// SubjectAbuseDetected carries one event per rejected submission.
	SubjectAbuseDetected = "abuse.detected"

	// SubjectAbuseBanned carries one event per IP crossing the ban threshold
	// or submitting while banned.
	SubjectAbuseBanned = "abuse.banned"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "formguard",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishAbuseDetected publishes a rejected-submission event.
func (c *NATSClient) PublishAbuseDetected(data []byte) error {
	return c.Publish(SubjectAbuseDetected, data)
}

// PublishAbuseBanned publishes a ban-threshold or submission-after-ban event.
func (c *NATSClient) PublishAbuseBanned(data []byte) error {
	return c.Publish(SubjectAbuseBanned, data)
}

// SubscribeAbuseDetected subscribes to rejected-submission events and passes
// the raw message data to the handler.
func (c *NATSClient) SubscribeAbuseDetected(handler func(data []byte)) error {
	return c.Subscribe(SubjectAbuseDetected, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeAbuseBanned subscribes to ban events.
func (c *NATSClient) SubscribeAbuseBanned(handler func(data []byte)) error {
	return c.Subscribe(SubjectAbuseBanned, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
