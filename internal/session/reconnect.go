// Package session supervises a realtime backend from the caller's side.
//
// The protocol engine never reconnects on its own: a transport failure ends
// the session. [Reconnector] watches the live backend and, when it stops
// unexpectedly, builds a fresh one through the same [engine.Factory] with
// exponential backoff. Uncommitted audio from the failed session is lost;
// frames submitted while no session is live are rejected with
// [ErrNotConnected] so the capture side can drop them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/engine"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

var (
	// ErrNotConnected is returned while no backend is live, including the
	// window between a failure and a successful reconnect.
	ErrNotConnected = errors.New("session: not connected")

	// ErrStopped is returned after [Reconnector.Shutdown].
	ErrStopped = errors.New("session: stopped")

	// ErrRetriesExhausted is returned by [Reconnector.Run] when every
	// reconnection attempt failed.
	ErrRetriesExhausted = errors.New("session: reconnection retries exhausted")
)

var _ engine.Backend = (*Reconnector)(nil)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Factory builds each backend. Required.
	Factory engine.Factory

	// Callbacks are handed to every backend the factory builds.
	Callbacks engine.Callbacks

	// MaxRetries is the maximum number of consecutive reconnection attempts
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// backend and the attempt that succeeded. May be nil.
	OnReconnect func(b engine.Backend, attempt int)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Reconnector keeps one backend alive and forwards input to it. It implements
// [engine.Backend] itself so callers can treat the supervised session as a
// plain backend.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	factory     engine.Factory
	cb          engine.Callbacks
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(engine.Backend, int)
	logger      *slog.Logger

	status atomic.Int32

	mu       sync.Mutex
	backend  engine.Backend
	stopping bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconnector{
		factory:     cfg.Factory,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	r.cb = cfg.Callbacks
	userStatus := cfg.Callbacks.OnStatus
	r.cb.OnStatus = func(s engine.Status) {
		r.status.Store(int32(s))
		if userStatus != nil {
			userStatus(s)
		}
	}
	return r
}

// Connect builds the initial backend.
func (r *Reconnector) Connect(ctx context.Context) (engine.Backend, error) {
	b, err := r.factory(ctx, r.cb)
	if err != nil {
		return nil, fmt.Errorf("session: initial connect: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		_ = b.Shutdown(ctx)
		return nil, ErrStopped
	}
	r.backend = b
	return b, nil
}

// Run watches the live backend and replaces it whenever it stops on its own.
// It returns nil after [Reconnector.Shutdown] or when ctx ends, and
// [ErrRetriesExhausted] when reconnection gave up. [Reconnector.Connect] must
// have succeeded first.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		b := r.Backend()
		if b == nil {
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-b.Done():
		}
		if r.isStopping() {
			return nil
		}

		r.logger.Warn("realtime session ended unexpectedly, reconnecting")
		r.mu.Lock()
		if r.backend == b {
			r.backend = nil
		}
		r.mu.Unlock()

		if err := r.reconnect(ctx); err != nil {
			if errors.Is(err, ErrRetriesExhausted) {
				r.doneOnce.Do(func() { close(r.done) })
				return err
			}
			return nil
		}
	}
}

// reconnect tries to build a new backend with exponential backoff. It returns
// ctx.Err() or ErrStopped when interrupted.
func (r *Reconnector) reconnect(ctx context.Context) error {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := r.interrupted(ctx); err != nil {
			return err
		}

		r.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		b, err := r.factory(ctx, r.cb)
		if err == nil {
			r.mu.Lock()
			if r.stopping {
				r.mu.Unlock()
				_ = b.Shutdown(context.Background())
				return ErrStopped
			}
			r.backend = b
			r.mu.Unlock()

			r.logger.Info("reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(b, attempt)
			}
			return nil
		}

		r.logger.Warn("reconnection attempt failed",
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)

		timer := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.stop:
			timer.Stop()
			return ErrStopped
		case <-timer.C:
		}

		currentBackoff = min(currentBackoff*2, r.maxBackoff)
	}

	r.logger.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
	return ErrRetriesExhausted
}

func (r *Reconnector) interrupted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrStopped
	default:
		return nil
	}
}

// Backend returns the live backend, or nil while reconnecting.
func (r *Reconnector) Backend() engine.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

// Status reports the most recent status of the live backend; zero before the
// first backend connects.
func (r *Reconnector) Status() engine.Status {
	return engine.Status(r.status.Load())
}

// SubmitAudioFrame forwards pcm to the live backend.
func (r *Reconnector) SubmitAudioFrame(pcm []byte) error {
	b, err := r.live()
	if err != nil {
		return err
	}
	return r.forwardErr(b, b.SubmitAudioFrame(pcm))
}

// SubmitText forwards text to the live backend.
func (r *Reconnector) SubmitText(text string) error {
	b, err := r.live()
	if err != nil {
		return err
	}
	return r.forwardErr(b, b.SubmitText(text))
}

func (r *Reconnector) live() (engine.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return nil, ErrStopped
	}
	if r.backend == nil {
		return nil, ErrNotConnected
	}
	return r.backend, nil
}

// forwardErr maps the error of a backend that has just stopped to
// ErrNotConnected; Run is about to replace it.
func (r *Reconnector) forwardErr(b engine.Backend, err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-b.Done():
		if r.isStopping() {
			return ErrStopped
		}
		return ErrNotConnected
	default:
		return err
	}
}

// Shutdown stops supervision and shuts down the live backend. Safe to call
// more than once.
func (r *Reconnector) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	b := r.backend
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })

	var err error
	if b != nil {
		err = b.Shutdown(ctx)
	}
	r.doneOnce.Do(func() { close(r.done) })
	return err
}

// Done is closed after Shutdown or once reconnection has given up.
func (r *Reconnector) Done() <-chan struct{} { return r.done }

func (r *Reconnector) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}
