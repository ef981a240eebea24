// Package transport owns the streaming connection to an EVM node and hides
// its instability behind Connect and ReconnectWithBackoff.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/devblac/event-listener/internal/logging"
)

const (
	// DefaultReconnectDelay is the fixed pause between connection attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Transport holds at most one live Conn for an Endpoint.
type Transport struct {
	endpoint Endpoint
	dial     Dialer
	delay    time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	conn Conn
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithReconnectDelay overrides the fixed delay between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.delay = d
		}
	}
}

// WithHandshakeTimeout bounds the websocket upgrade of the default dialer.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// New builds a Transport for the endpoint. No connection is opened yet.
func New(endpoint Endpoint, opts ...Option) *Transport {
	t := &Transport{
		endpoint: endpoint,
		delay:    DefaultReconnectDelay,
		timeout:  DefaultHandshakeTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dial == nil {
		t.dial = WebsocketDialer(t.timeout)
	}
	return t
}

// Endpoint returns the endpoint this transport connects to.
func (t *Transport) Endpoint() Endpoint {
	return t.endpoint
}

// Connect tears down any existing connection and opens a new one.
func (t *Transport) Connect(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeLocked()
	conn, err := t.dial(ctx, t.endpoint.NodeURL)
	if err != nil {
		var terr *Error
		if !errors.As(err, &terr) {
			err = wrap(ErrUnreachable, "connect", err)
		}
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// ReconnectWithBackoff retries Connect with a fixed delay until it succeeds.
// It only returns an error when ctx is done.
func (t *Transport) ReconnectWithBackoff(ctx context.Context) (Conn, error) {
	var conn Conn
	err := retry.Do(
		func() error {
			c, err := t.Connect(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(t.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn("node connection failed, retrying",
				"node", logging.RedactURL(t.endpoint.NodeURL),
				"attempt", n,
				"delay", t.delay,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	t.log.Info("connected to node", "node", logging.RedactURL(t.endpoint.NodeURL))
	return conn, nil
}

// Close releases the current connection, if any. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
