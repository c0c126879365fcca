// Package transcript keeps the finished text of every response turn.
//
// A [Store] persists [Turn] records per session. [MemStore] keeps them for the
// process lifetime; [PostgresStore] writes them to PostgreSQL. [Writer] sits
// between the session callbacks, which must return quickly, and a store whose
// writes may block on the network.
package transcript

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingSession is returned when a turn has no session ID.
	ErrMissingSession = errors.New("transcript: session id is required")

	// ErrEmptyText is returned for turns whose text is empty or whitespace.
	ErrEmptyText = errors.New("transcript: text is empty")
)

// Turn is one finished response.
type Turn struct {
	// ID is a unique identifier. Assigned on append when empty.
	ID string

	// SessionID identifies the realtime session that produced the turn.
	SessionID string

	// Text is the final assembled text, exactly as published to the caller.
	Text string

	// CreatedAt is set on append when zero.
	CreatedAt time.Time
}

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	// Append stores t. ID and CreatedAt are filled in when empty.
	Append(ctx context.Context, t Turn) error

	// List returns the turns of sessionID in append order.
	List(ctx context.Context, sessionID string) ([]Turn, error)
}

// prepare validates t and fills its generated fields.
func prepare(t *Turn, now time.Time) error {
	if t.SessionID == "" {
		return ErrMissingSession
	}
	if strings.TrimSpace(t.Text) == "" {
		return ErrEmptyText
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	return nil
}
