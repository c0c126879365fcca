package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize    = 32
	defaultWriteTimeout = 5 * time.Second
)

// ErrWriterClosed is returned by [Writer.Publish] after [Writer.Close].
var ErrWriterClosed = errors.New("transcript: writer closed")

// ErrQueueFull is returned by [Writer.Publish] when the store falls behind.
var ErrQueueFull = errors.New("transcript: queue full")

// WriterConfig configures a [Writer].
type WriterConfig struct {
	// Store receives the turns. Required.
	Store Store

	// SessionID tags every turn.
	SessionID string

	// QueueSize bounds the turns waiting for the store. Defaults to 32.
	QueueSize int

	// WriteTimeout bounds a single Append. Defaults to 5s.
	WriteTimeout time.Duration

	// OnResult is called after each Append with its error, nil on success.
	// May be nil.
	OnResult func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Writer moves finished text from session callbacks to a [Store] on its own
// goroutine. Publish never blocks; Run performs the writes.
//
// All methods are safe for concurrent use.
type Writer struct {
	store     Store
	sessionID string
	timeout   time.Duration
	onResult  func(error)
	logger    *slog.Logger

	queue chan Turn

	mu     sync.Mutex
	closed bool
}

// NewWriter creates a [Writer] with the given configuration.
func NewWriter(cfg WriterConfig) *Writer {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     cfg.Store,
		sessionID: cfg.SessionID,
		timeout:   timeout,
		onResult:  cfg.OnResult,
		logger:    logger,
		queue:     make(chan Turn, size),
	}
}

// Publish queues text as a finished turn.
func (w *Writer) Publish(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	t := Turn{SessionID: w.sessionID, Text: text, CreatedAt: time.Now().UTC()}
	select {
	case w.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// OnTextFinal publishes text and logs a dropped turn. It fits the final-text
// session callback.
func (w *Writer) OnTextFinal(text string) {
	if err := w.Publish(text); err != nil {
		w.logger.Warn("transcript turn dropped", "session_id", w.sessionID, "err", err)
		w.report(err)
	}
}

// Run writes queued turns until [Writer.Close] was called and the queue is
// drained, then returns nil. It returns ctx.Err() if ctx ends first.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-w.queue:
			if !ok {
				return nil
			}
			w.write(ctx, t)
		}
	}
}

func (w *Writer) write(ctx context.Context, t Turn) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	err := w.store.Append(ctx, t)
	if err != nil {
		w.logger.Error("transcript write failed", "session_id", t.SessionID, "err", err)
	}
	w.report(err)
}

func (w *Writer) report(err error) {
	if w.onResult != nil {
		w.onResult(err)
	}
}

// Close stops accepting turns. Run drains what is queued and returns.
// Safe to call multiple times.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}
