package client

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// DefaultChannelCapacity bounds the event channel between the socket
	// reader and the consumer. When the buffer is full the reader blocks;
	// events are never dropped.
	DefaultChannelCapacity = 100

	// DefaultReconnectInterval is the constant delay between reconnection
	// attempts.
	DefaultReconnectInterval = time.Second
)

// Option configures a Client.
type Option func(c *Client)

// WithLogger routes the client's logging to l.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("comfy_client").Sugar()
	}
}

// WithHTTPClient replaces the HTTP client used for API requests and the
// WebSocket handshake, for custom TLS configs, proxies or timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = hc
	}
}

// WithChannelCapacity sets the event channel's buffer size. Zero means an
// unbuffered channel, where the reader and consumer meet on every event.
func WithChannelCapacity(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.channelCap = n
	}
}

// WithReconnect toggles automatic reconnection after a connection loss.
// When disabled, a receive failure ends the stream with a terminal error
// item.
func WithReconnect(enabled bool) Option {
	return func(c *Client) {
		c.reconnect = enabled
	}
}

// WithReconnectInterval sets a constant delay between reconnection
// attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) {
		c.newBackoff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(d)
		}
	}
}

// WithReconnectBackoff replaces the reconnect pacing strategy. f is called
// once per event stream so that streams do not share strategy state. If the
// strategy returns backoff.Stop the stream gives up and ends with a
// terminal error item.
func WithReconnectBackoff(f func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackoff = f
	}
}

// WithCustomizeRetryableClient customizes the retrying HTTP client used
// for idempotent reads.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}
