package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// RealtimeFallback implements [realtime.Provider] with failover across several
// realtime endpoints. Each endpoint has its own circuit breaker; when the
// primary refuses connections or its breaker is open, the next healthy
// fallback is dialed.
//
// Only the dial is covered. Once a connection is established, a transport
// failure ends the session and the caller's reconnect loop dials again.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

var _ realtime.Provider = (*RealtimeFallback)(nil)

// NewRealtimeFallback creates a [RealtimeFallback] with primary as the
// preferred endpoint. The entry is named after primary.Name().
func NewRealtimeFallback(primary realtime.Provider, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers p as the next endpoint to try.
func (f *RealtimeFallback) AddFallback(p realtime.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name lists the endpoints in failover order, e.g. "openai-realtime>mock".
func (f *RealtimeFallback) Name() string {
	names := f.group.Names()
	out := names[0]
	for _, n := range names[1:] {
		out += ">" + n
	}
	return out
}

// Connect dials the first healthy endpoint.
func (f *RealtimeFallback) Connect(ctx context.Context, params realtime.SessionParams) (realtime.Conn, error) {
	conn, err := ExecuteWithResult(f.group, func(p realtime.Provider) (realtime.Conn, error) {
		return p.Connect(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: connect: %w", err)
	}
	return conn, nil
}

// Breaker returns the circuit breaker guarding the named endpoint, or nil.
func (f *RealtimeFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}
