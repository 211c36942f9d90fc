package messagebroker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is a broker message handed to subscribers.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Drain() error
}

// NATSClient is what the comms services need from the broker; tests substitute a fake.
type NATSClient interface {
	Publish(ctx context.Context, subject string, data []byte) error
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error)
	Close()
}

// Client wraps a NATS connection.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to NATS with reconnect handling.
// natsURL example: "nats://localhost:4222"
func NewNATSClient(natsURL, appName string, logger *slog.Logger) (*Client, error) {
	log := logger.With("component", "nats_client")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: nc, logger: log}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeToSubjectWithQueue creates a queue subscription; each message goes to
// one member of queueGroup.
func (c *Client) SubscribeToSubjectWithQueue(_ context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
		handler(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s (queue %s): %w", subject, queueGroup, err)
	}
	c.logger.Info("Subscribed", "subject", subject, "queue_group", queueGroup)
	return sub, nil
}

// Ping reports an error while the connection is down or reconnecting.
func (c *Client) Ping(context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats %s", c.conn.Status())
	}
	return nil
}

// Close drains pending messages before closing the connection.
func (c *Client) Close() {
	if c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
}
