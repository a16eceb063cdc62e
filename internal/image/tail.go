package image

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	tailBufferSize      = 200
	repeatFlushInterval = 5 * time.Second
)

// buildTail collapses repeated build output lines and keeps a bounded
// ring of the most recent ones for failure excerpts.
type buildTail struct {
	mu       sync.Mutex
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	partial  strings.Builder
	buffer   []string
}

func newBuildTail(emit func(string)) *buildTail {
	return &buildTail{emit: emit}
}

// Write implements io.Writer over line-oriented build output.
func (t *buildTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial.Write(p)
	for {
		raw := t.partial.String()
		idx := strings.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		t.partial.Reset()
		t.partial.WriteString(raw[idx+1:])
		if line := strings.TrimSpace(raw[:idx]); line != "" {
			t.add(line)
		}
	}
	return len(p), nil
}

func (t *buildTail) add(line string) {
	now := time.Now()
	if line == t.last {
		t.repeats++
		if now.Sub(t.lastEmit) >= repeatFlushInterval {
			t.flushRepeats(now)
		}
		return
	}
	t.flushRepeats(now)
	t.last = line
	t.emitLine(line, now)
}

func (t *buildTail) flushRepeats(now time.Time) {
	if t.repeats == 0 || t.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", t.last, t.repeats)
	t.repeats = 0
	t.emitLine(msg, now)
}

func (t *buildTail) emitLine(line string, now time.Time) {
	if t.emit != nil {
		t.emit(line)
	}
	if len(t.buffer) < tailBufferSize {
		t.buffer = append(t.buffer, line)
	} else {
		t.buffer = append(t.buffer[1:], line)
	}
	t.lastEmit = now
}

// Flush drains a pending repeat marker and any unterminated line.
func (t *buildTail) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if line := strings.TrimSpace(t.partial.String()); line != "" {
		t.partial.Reset()
		t.add(line)
	}
	t.flushRepeats(time.Now())
}

// Snapshot returns up to limit of the most recent lines, oldest first.
func (t *buildTail) Snapshot(limit int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(t.buffer) {
		return append([]string(nil), t.buffer...)
	}
	return append([]string(nil), t.buffer[len(t.buffer)-limit:]...)
}
