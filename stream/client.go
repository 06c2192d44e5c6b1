package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maphilipps/dealhunter"
)

const (
	// DefaultFlushInterval batches incoming events so observers re-render
	// on a fixed cadence instead of once per event.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultLogCapacity bounds the retained event log. The log exists for
	// display; run state is reconstructed from the View projection, never
	// by replaying the log.
	DefaultLogCapacity = 200

	// DefaultMaxReconnects bounds reconnection attempts before the client
	// surfaces a terminal error.
	DefaultMaxReconnects = 5
)

// ClientOptions configures a stream client.
type ClientOptions struct {
	// URL is the SSE endpoint for one run's events. Required.
	URL string

	// HTTPClient defaults to a client without a global timeout; the
	// connection is long-lived and bounded by ctx instead.
	HTTPClient *http.Client

	// FlushInterval is the batching cadence for OnFlush.
	FlushInterval time.Duration

	// LogCapacity bounds the retained event log.
	LogCapacity int

	// MaxReconnects bounds reconnection attempts.
	MaxReconnects uint64

	// OnFlush is called on every flush tick that has buffered events,
	// with the batch and the current projection.
	OnFlush func(batch []dealhunter.ProgressEvent, view ViewSnapshot)

	// Logger for client diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Client consumes a run's SSE event feed. Incoming events update an
// incremental projection and a bounded display log; observers get batched
// flushes rather than per-event callbacks. Transport errors trigger
// reconnection with exponential backoff up to a bounded attempt count.
type Client struct {
	url           string
	httpClient    *http.Client
	flushInterval time.Duration
	maxReconnects uint64
	onFlush       func(batch []dealhunter.ProgressEvent, view ViewSnapshot)
	logger        *slog.Logger

	ring *eventRing
	view *View

	mu       sync.Mutex
	pending  []dealhunter.ProgressEvent
	terminal bool
}

// NewClient creates a stream client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("stream URL is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		url:           opts.URL,
		httpClient:    opts.HTTPClient,
		flushInterval: opts.FlushInterval,
		maxReconnects: opts.MaxReconnects,
		onFlush:       opts.OnFlush,
		logger:        opts.Logger,
		ring:          newEventRing(opts.LogCapacity),
		view:          NewView(),
	}, nil
}

// Run consumes the feed until a terminal event arrives, ctx is done, or
// reconnection attempts are exhausted. Returns nil after a terminal event.
func (c *Client) Run(ctx context.Context) error {
	flushCtx, stopFlusher := context.WithCancel(ctx)
	defer stopFlusher()
	go c.flushLoop(flushCtx)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxReconnects), ctx)
	err := backoff.Retry(func() error {
		if err := c.consume(ctx); err != nil {
			c.logger.Warn("stream connection lost, reconnecting", "error", err)
			return err
		}
		return nil
	}, policy)

	c.flush()
	if err != nil {
		return fmt.Errorf("stream connection failed: %w", err)
	}
	return nil
}

// Log returns the retained event log, oldest first.
func (c *Client) Log() []dealhunter.ProgressEvent {
	return c.ring.Snapshot()
}

// View returns the current run projection.
func (c *Client) View() ViewSnapshot {
	return c.view.Snapshot()
}

// consume opens one SSE connection and reads events until the stream ends.
// Returns nil after a terminal event, an error otherwise so the caller
// reconnects.
func (c *Client) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("stream returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(err)
		}
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
			continue
		}
		if line != "" {
			continue // comments and other SSE fields
		}
		if data.Len() == 0 {
			continue
		}
		var event dealhunter.ProgressEvent
		if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
			c.logger.Warn("failed to decode stream event", "error", err)
			data.Reset()
			continue
		}
		data.Reset()
		c.handle(event)
		if event.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if c.isTerminal() {
		return nil
	}
	return fmt.Errorf("stream ended without terminal event")
}

func (c *Client) handle(event dealhunter.ProgressEvent) {
	c.ring.Add(event)
	c.view.Apply(event)
	c.mu.Lock()
	c.pending = append(c.pending, event)
	if event.Terminal() {
		c.terminal = true
	}
	c.mu.Unlock()
}

func (c *Client) isTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Client) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Client) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 || c.onFlush == nil {
		return
	}
	c.onFlush(batch, c.view.Snapshot())
}
