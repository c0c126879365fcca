package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var _ Store = (*FileStore)(nil)

// record is one JSON line in a [FileStore] file.
type record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore persists turns as JSON lines in a local file. The file is created
// on the first append. Safe for concurrent use within one process.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append writes t as one line.
func (fs *FileStore) Append(_ context.Context, t Turn) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	data, err := json.Marshal(record(t))
	if err != nil {
		return fmt.Errorf("transcript: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

// List reads the file and returns the turns of sessionID in file order.
// A missing file holds no turns.
func (fs *FileStore) List(_ context.Context, sessionID string) ([]Turn, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: open file: %w", err)
	}
	defer f.Close()

	var out []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("transcript: line %d: %w", line, err)
		}
		if r.SessionID == sessionID {
			out = append(out, Turn(r))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read file: %w", err)
	}
	return out, nil
}
