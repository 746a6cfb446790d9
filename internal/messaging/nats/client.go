// Package nats implements the messaging interfaces on NATS core.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
)

// Client implements messaging.Publisher and messaging.Subscriber.
// Handlers run on their own goroutines under a context that Close cancels.
type Client struct {
	conn     *nats.Conn
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	mu       sync.Mutex
	subs     []*nats.Subscription
}

// Config holds NATS client configuration.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int // -1 reconnects forever
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NewClient connects to the NATS server.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newClient(conn, logger), nil
}

func newClient(conn *nats.Conn, logger *logging.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{conn: conn, logger: logger, ctx: ctx, cancel: cancel}
}

// PublishJSON marshals data to JSON and publishes to the subject.
func (c *Client) PublishJSON(ctx context.Context, subject string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// QueueSubscribe creates a queue subscription for load-balanced message processing.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.deliver(subject, queue, handler))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// deliver hands each message to handler without holding up the subscription.
func (c *Client) deliver(subject, queue string, handler messaging.MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.handlers.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.handlers.Done()
			if err := handler(c.ctx, &messaging.Message{Subject: msg.Subject, Data: msg.Data}); err != nil {
				c.logger.Error("message handler failed",
					"subject", subject,
					"queue", queue,
					logging.Error(err))
			}
		}()
	}
}

// Close cancels running handlers, waits for them, and drains the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.cancel()
	c.mu.Unlock()

	c.handlers.Wait()

	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
