package sse

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// MaxRequestSize bounds POST bodies.
	MaxRequestSize int64
	// Heartbeat is the interval of keep-alive comments on open streams.
	Heartbeat time.Duration
	// SubscriberBuffer is how many events a slow stream may lag before it
	// is disconnected.
	SubscriberBuffer int
	Logger           *slog.Logger
}

// DefaultHubOptions returns the defaults.
func DefaultHubOptions() *HubOptions {
	return &HubOptions{
		MaxRequestSize:   1 << 20,
		Heartbeat:        15 * time.Second,
		SubscriberBuffer: 64,
	}
}

// HubOption configures HubOptions.
type HubOption func(*HubOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies.
func WithMaxRequestSize(size int64) HubOption {
	return func(o *HubOptions) { o.MaxRequestSize = size }
}

// WithHeartbeat sets the keep-alive interval.
func WithHeartbeat(d time.Duration) HubOption {
	return func(o *HubOptions) { o.Heartbeat = d }
}

// WithSubscriberBuffer sets the per-stream buffer.
func WithSubscriberBuffer(n int) HubOption {
	return func(o *HubOptions) { o.SubscriberBuffer = n }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(o *HubOptions) { o.Logger = l }
}

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	// Types restricts the stream to these entity types. Empty streams all.
	Types []string
	// NewBackOff builds the reconnect schedule.
	NewBackOff     func() backoff.BackOff
	RequestTimeout time.Duration
	MaxEventSize   int
	Logger         *slog.Logger
}

// DefaultClientOptions returns the defaults.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		HTTPClient: &http.Client{},
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		RequestTimeout: 10 * time.Second,
		MaxEventSize:   10 << 20,
	}
}

// ClientOption configures ClientOptions.
type ClientOption func(*ClientOptions)

// WithHTTPClient sets the HTTP client. Its Timeout must be zero because the
// stream request stays open.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *ClientOptions) { o.HTTPClient = c }
}

// WithTypes restricts the stream to the given entity types.
func WithTypes(types ...string) ClientOption {
	return func(o *ClientOptions) { o.Types = types }
}

// WithReconnectBackOff sets the reconnect schedule.
func WithReconnectBackOff(f func() backoff.BackOff) ClientOption {
	return func(o *ClientOptions) { o.NewBackOff = f }
}

// WithRequestTimeout bounds Send and Fetch.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.RequestTimeout = d }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *ClientOptions) { o.Logger = l }
}

func applyHubOptions(opts ...HubOption) *HubOptions {
	options := DefaultHubOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
