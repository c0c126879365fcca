// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It opens a WebSocket to the Realtime endpoint and translates the neutral
// realtime events to and from the Realtime JSON protocol. Audio is transmitted
// as base64-encoded PCM16. Each connection runs one reader and one writer
// goroutine; Send only enqueues, so the engine's event loop never blocks on
// the network.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// Compile-time assertions that Provider and conn satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	// ProviderName is the registry name of this provider.
	ProviderName = "openai-realtime"

	defaultModel        = "gpt-4o-realtime-preview"
	defaultBaseURL      = "wss://api.openai.com/v1/realtime"
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second

	// readLimit bounds a single inbound message. Transcripts and audio deltas
	// are well below this; the websocket default of 32 KiB is not.
	readLimit = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithQueueSize sets how many outbound events may be queued before Send
// reports the connection as not writable.
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	queueSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns [ProviderName].
func (p *Provider) Name() string { return ProviderName }

// Connect dials the Realtime endpoint and sends session.update synchronously
// before starting the reader and writer goroutines, so a configuration failure
// surfaces as a Connect error rather than a later close event.
func (p *Provider) Connect(ctx context.Context, params realtime.SessionParams) (realtime.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	data, err := encodeClientEvent(realtime.ClientEvent{
		Type:    realtime.ClientSessionConfigure,
		Session: &params,
	})
	if err != nil {
		ws.Close(websocket.StatusInternalError, "encode failed")
		return nil, err
	}
	wctx, wcancel := context.WithTimeout(ctx, p.writeTimeout)
	err = ws.Write(wctx, websocket.MessageText, data)
	wcancel()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:           ws,
		out:          make(chan []byte, p.queueSize),
		events:       make(chan realtime.ServerEvent, 64),
		writerDone:   make(chan struct{}),
		writeTimeout: p.writeTimeout,
		logger:       p.logger.With("provider", ProviderName),
		ctx:          connCtx,
		cancel:       connCancel,
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws           *websocket.Conn
	out          chan []byte
	events       chan realtime.ServerEvent
	writerDone   chan struct{}
	writeTimeout time.Duration
	logger       *slog.Logger

	mu sync.Mutex
	// closed: Send is rejected. closing: Close was called and out is closed.
	closed  bool
	closing bool
	errVal  error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Send encodes ev and queues it for the writer goroutine.
func (c *conn) Send(ev realtime.ClientEvent) error {
	data, err := encodeClientEvent(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrNotWritable
	}
	select {
	case c.out <- data:
		return nil
	default:
		return realtime.ErrNotWritable
	}
}

// Events returns the inbound event channel.
func (c *conn) Events() <-chan realtime.ServerEvent { return c.events }

// Writable reports whether the connection is open and its queue has room.
func (c *conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && len(c.out) < cap(c.out)
}

// Close stops accepting events, gives the writer up to one write timeout to
// drain what is already queued, then closes the socket. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.closed = true
	close(c.out)
	c.mu.Unlock()

	select {
	case <-c.writerDone:
	case <-time.After(c.writeTimeout):
	}
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// fail records the first transport error and tears the socket down so the
// reader observes it.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.closed = true
	c.mu.Unlock()
	c.ws.Close(websocket.StatusInternalError, "transport error")
}

// readLoop decodes inbound messages until the socket fails. It owns the events
// channel and always finishes with a ServerClosed event.
func (c *conn) readLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.deliverClosed(err)
			return
		}
		ev := decodeServerEvent(data)
		if ev.Type == realtime.ServerUnknown {
			c.logger.Debug("ignoring unhandled realtime event", "type", ev.Raw)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) deliverClosed(readErr error) {
	c.mu.Lock()
	localClose := c.closing && c.errVal == nil
	cause := c.errVal
	c.closed = true
	c.mu.Unlock()

	ev := realtime.ServerEvent{Type: realtime.ServerClosed, Raw: "closed"}
	switch {
	case localClose:
		// Closed by us; nobody is waiting for a reason.
	case cause != nil:
		ev.Err = cause
	case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure:
	default:
		ev.Err = fmt.Errorf("openai: read: %w", readErr)
	}

	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// writeLoop drains the outbound queue until Close closes it. A failed write
// closes the connection.
func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.out:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("realtime write failed", "err", err)
				c.fail(fmt.Errorf("openai: write: %w", err))
				return
			}
		}
	}
}

func (c *conn) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}
