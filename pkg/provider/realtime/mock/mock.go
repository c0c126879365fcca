// Package mock provides in-memory implementations of realtime.Provider and
// realtime.Conn for tests.
//
// Conn records every sent event and lets the test inject inbound events and
// toggle writability. All methods are safe for concurrent use.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/pkg/provider/realtime"
)

var _ realtime.Conn = (*Conn)(nil)
var _ realtime.Provider = (*Provider)(nil)

// Conn is a scriptable realtime.Conn.
type Conn struct {
	mu         sync.Mutex
	sent       []realtime.ClientEvent
	writable   bool
	closed     bool
	closeCalls int
	events     chan realtime.ServerEvent
	eventsDone bool

	// SendErr, when non-nil, is returned by Send for every event.
	SendErr error
}

// NewConn returns a writable Conn with a buffered inbound channel.
func NewConn() *Conn {
	return &Conn{
		writable: true,
		events:   make(chan realtime.ServerEvent, 256),
	}
}

// Send records ev. It fails with [realtime.ErrNotWritable] when the conn was
// closed or marked unwritable.
func (c *Conn) Send(ev realtime.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed || !c.writable {
		return realtime.ErrNotWritable
	}
	ev.Audio = slices.Clone(ev.Audio)
	ev.Modalities = slices.Clone(ev.Modalities)
	c.sent = append(c.sent, ev)
	return nil
}

// Events returns the inbound channel fed by [Conn.Emit].
func (c *Conn) Events() <-chan realtime.ServerEvent { return c.events }

// Writable reports whether Send would succeed.
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.writable && c.SendErr == nil
}

// Close marks the conn closed. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return nil
}

// SetWritable toggles whether Send accepts events.
func (c *Conn) SetWritable(w bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writable = w
}

// Emit injects an inbound event. It is a no-op after [Conn.CloseRemote].
func (c *Conn) Emit(ev realtime.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsDone {
		return
	}
	c.events <- ev
}

// CloseRemote simulates the server ending the connection: it delivers a
// ServerClosed event carrying err and closes the inbound channel.
func (c *Conn) CloseRemote(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsDone {
		return
	}
	c.closed = true
	c.events <- realtime.ServerEvent{Type: realtime.ServerClosed, Err: err}
	close(c.events)
	c.eventsDone = true
}

// Sent returns a copy of every event sent so far.
func (c *Conn) Sent() []realtime.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// SentOfType returns the sent events of type t, in order.
func (c *Conn) SentOfType(t realtime.ClientEventType) []realtime.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.ClientEvent
	for _, ev := range c.sent {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ResetSent forgets all recorded events.
func (c *Conn) ResetSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// Closed reports whether Close or CloseRemote was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Provider hands out a fresh [Conn] per Connect call.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectErr, when non-nil, is returned by Connect instead of a Conn.
	ConnectErr error

	mu     sync.Mutex
	conns  []*Conn
	params []realtime.SessionParams
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Connect records params and returns a new [Conn], or ConnectErr.
func (p *Provider) Connect(ctx context.Context, params realtime.SessionParams) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = append(p.params, params)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := NewConn()
	p.conns = append(p.conns, c)
	return c, nil
}

// SetConnectErr changes the error returned by subsequent Connect calls.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Conns returns every Conn handed out so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.conns)
}

// Params returns the SessionParams of every Connect call.
func (p *Provider) Params() []realtime.SessionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.params)
}
