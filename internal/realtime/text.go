package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// previewLimit caps the length of text previews written to the log.
const previewLimit = 120

// TextAssembler collects streamed text fragments of one response and
// publishes the result once.
type TextAssembler struct {
	buf           strings.Builder
	lastPublished int
	lastLogged    int
	delivered     bool

	logger *slog.Logger
	debug  bool
}

// NewTextAssembler returns an empty assembler. With debug set, previews are
// logged at info instead of debug level.
func NewTextAssembler(logger *slog.Logger, debug bool) *TextAssembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextAssembler{logger: logger, debug: debug}
}

// Delta appends a fragment.
func (t *TextAssembler) Delta(s string) {
	t.buf.WriteString(s)
}

// Done replaces the buffer with the authoritative final text, if any.
func (t *TextAssembler) Done(final string) {
	if final == "" || final == t.buf.String() {
		return
	}
	t.buf.Reset()
	t.buf.WriteString(final)
	if t.lastLogged > t.buf.Len() {
		t.lastLogged = t.buf.Len()
	}
	if t.lastPublished > t.buf.Len() {
		t.lastPublished = t.buf.Len()
	}
	t.delivered = false
}

// Text returns the current buffer.
func (t *TextAssembler) Text() string { return t.buf.String() }

// Publish with force=false only logs a preview of what arrived since the last
// preview. With force=true it returns the full text and true, once: it returns
// false when the buffer is empty or was already delivered unchanged.
func (t *TextAssembler) Publish(force bool) (string, bool) {
	text := t.buf.String()
	if !force {
		if len(text) > t.lastLogged {
			t.logPreview("response text", text[t.lastLogged:])
			t.lastLogged = len(text)
		}
		return "", false
	}

	if text == "" {
		return "", false
	}
	if t.delivered && t.lastPublished == len(text) {
		return "", false
	}
	t.delivered = true
	t.lastPublished = len(text)
	t.lastLogged = len(text)
	t.logPreview("response complete", text)
	return text, true
}

// Reset clears the buffer and all bookmarks for a new response.
func (t *TextAssembler) Reset() {
	t.buf.Reset()
	t.lastPublished = 0
	t.lastLogged = 0
	t.delivered = false
}

// ResetBookmarks restarts preview logging without touching the buffer.
func (t *TextAssembler) ResetBookmarks() {
	t.lastLogged = 0
}

func (t *TextAssembler) logPreview(msg, s string) {
	level := slog.LevelDebug
	if t.debug {
		level = slog.LevelInfo
	}
	t.logger.Log(context.Background(), level, msg, "preview", sanitizePreview(s, previewLimit), "len", len(s))
}

// sanitizePreview makes s safe for a single log line: control characters are
// replaced, long text is truncated on a rune boundary, and payloads that look
// binary are summarised instead of printed.
func sanitizePreview(s string, limit int) string {
	if !utf8.ValidString(s) || looksBinary(s) {
		return fmt.Sprintf("<binary %d bytes>", len(s))
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == limit {
			b.WriteString("…")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			b.WriteRune(unicode.ReplacementChar)
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

// looksBinary flags long runs without whitespace drawn from the base64
// alphabet, which is how stray audio payloads show up in text fields.
func looksBinary(s string) bool {
	if len(s) < 64 || strings.ContainsAny(s, " \n\t") {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '/' || r == '=') {
			return false
		}
	}
	return true
}
