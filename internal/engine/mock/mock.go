// Package mock provides an in-memory mock implementation of [engine.Backend]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	b := mock.NewBackend()
//	_ = b.SubmitText("hello")
//	b.Callbacks.TextFinal("hi")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Backend = (*Backend)(nil)

// Backend is a mock implementation of [engine.Backend].
type Backend struct {
	mu sync.Mutex

	// Callbacks are the callbacks passed to the factory; tests invoke them to
	// simulate session output.
	Callbacks engine.Callbacks

	// SubmitAudioError is returned by SubmitAudioFrame.
	SubmitAudioError error

	// SubmitTextError is returned by SubmitText.
	SubmitTextError error

	// ShutdownError is returned by Shutdown.
	ShutdownError error

	frames        [][]byte
	texts         []string
	shutdownCalls int
	done          chan struct{}
	doneOnce      sync.Once
}

// NewBackend returns a ready Backend.
func NewBackend() *Backend {
	return &Backend{done: make(chan struct{})}
}

// Factory returns an [engine.Factory] that hands out b and captures the
// callbacks it was built with.
func (b *Backend) Factory() engine.Factory {
	return func(_ context.Context, cb engine.Callbacks) (engine.Backend, error) {
		b.mu.Lock()
		b.Callbacks = cb
		b.mu.Unlock()
		return b, nil
	}
}

// SubmitAudioFrame implements [engine.Backend].
func (b *Backend) SubmitAudioFrame(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, slices.Clone(pcm))
	return b.SubmitAudioError
}

// SubmitText implements [engine.Backend].
func (b *Backend) SubmitText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts = append(b.texts, text)
	return b.SubmitTextError
}

// Shutdown implements [engine.Backend]. It closes Done.
func (b *Backend) Shutdown(context.Context) error {
	b.mu.Lock()
	b.shutdownCalls++
	err := b.ShutdownError
	b.mu.Unlock()
	b.Stop()
	return err
}

// Done implements [engine.Backend].
func (b *Backend) Done() <-chan struct{} { return b.done }

// Stop simulates the session ending on its own (e.g. transport loss).
func (b *Backend) Stop() {
	b.doneOnce.Do(func() { close(b.done) })
}

// Frames returns copies of every submitted frame.
func (b *Backend) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.frames)
}

// Texts returns every submitted text.
func (b *Backend) Texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.texts)
}

// ShutdownCalls returns how many times Shutdown was called.
func (b *Backend) ShutdownCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdownCalls
}

// CallbacksSnapshot returns the callbacks captured by Factory.
func (b *Backend) CallbacksSnapshot() engine.Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Callbacks
}
