package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

// Client streams events from a Hub and posts local writes to it. The
// stream reconnects on its own; IsConnected reflects whether it is open.
type Client struct {
	baseURL string
	opts    *ClientOptions
	logger  *slog.Logger

	connected atomic.Bool

	mu       sync.RWMutex
	handlers map[string]map[synckit.ListenerID]synckit.ChannelHandler
	nextID   synckit.ListenerID

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ synckit.PushChannel = (*Client)(nil)
	_ synckit.Fetcher     = (*Client)(nil)
)

// NewClient creates a client for the hub at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	o := applyClientOptions(opts...)
	logger := o.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("transport/sse")).Logger
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		opts:     o,
		logger:   logger,
		handlers: make(map[string]map[synckit.ListenerID]synckit.ChannelHandler),
	}
}

// Start opens the stream in the background. Calling Start on a running
// client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close stops the stream and waits for it to finish.
func (c *Client) Close() error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	b := c.opts.NewBackOff()

	for {
		err := c.stream(ctx, b)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("giving up on event stream", "error", err)
			return
		}
		c.logger.Warn("event stream dropped, reconnecting", "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) stream(ctx context.Context, b backoff.BackOff) error {
	u := c.baseURL + streamPath
	if len(c.opts.Types) > 0 {
		u += "?types=" + url.QueryEscape(strings.Join(c.opts.Types, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream rejected with status %d", resp.StatusCode)
	}

	c.connected.Store(true)
	b.Reset()
	c.logger.Info("event stream connected", "url", u)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), c.opts.MaxEventSize)

	var (
		name string
		data bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 && (name == "" || name == sseEventName) {
				c.dispatch(data.Bytes())
			}
			name = ""
			data.Reset()
		case line[0] == ':':
			// heartbeat
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) dispatch(raw []byte) {
	var e synckit.SyncEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("dropping undecodable event", "error", err)
		return
	}
	if err := validateEvent(e); err != nil {
		c.logger.Warn("dropping invalid event", "error", err)
		return
	}

	c.mu.RLock()
	hs := make([]synckit.ChannelHandler, 0, len(c.handlers[e.EntityType]))
	for _, h := range c.handlers[e.EntityType] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}

// IsConnected reports whether the event stream is open.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// AddListener registers h for events of entityType.
func (c *Client) AddListener(entityType string, h synckit.ChannelHandler) synckit.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[entityType] == nil {
		c.handlers[entityType] = make(map[synckit.ListenerID]synckit.ChannelHandler)
	}
	c.handlers[entityType][c.nextID] = h
	return c.nextID
}

// RemoveListener drops a handler. Unknown ids are ignored.
func (c *Client) RemoveListener(entityType string, id synckit.ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[entityType], id)
	if len(c.handlers[entityType]) == 0 {
		delete(c.handlers, entityType)
	}
}

// Send posts e to the hub.
func (c *Client) Send(ctx context.Context, e synckit.SyncEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+eventsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(syncErrors.OpSend, resp)
	}
	return nil
}

// Fetch reads the hub's snapshot of one entity.
func (c *Client) Fetch(ctx context.Context, entityType, entityID string) (synckit.Snapshot, bool, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s%s/%s/%s", c.baseURL, entityPath, url.PathEscape(entityType), url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return synckit.Snapshot{}, false, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return synckit.Snapshot{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var s synckit.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return synckit.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
		}
		return s, true, nil
	case http.StatusNotFound:
		return synckit.Snapshot{}, false, nil
	default:
		return synckit.Snapshot{}, false, responseError(syncErrors.OpFetch, resp)
	}
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// ErrRejected wraps non-2xx hub responses.
var ErrRejected = errors.New("hub rejected request")

// responseError reports a non-2xx response. Client errors other than a
// timeout or rate limit come back as non-retryable validation failures.
func responseError(op syncErrors.Operation, resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("%w: %s (status %d)", ErrRejected, body.Error, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return syncErrors.NewValidationError(op, err)
	default:
		return err
	}
}
