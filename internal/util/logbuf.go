package util

import (
	"bytes"
	"strings"
	"sync"
)

// LogBuffer is an io.Writer that keeps the most recent log lines for
// serving a tail over the control API; once full, new lines displace
// the oldest. Wrap it with io.MultiWriter to keep stderr output too.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{lines: make([]string, capacity)}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		s := strings.TrimRight(string(line), "\r")
		if s == "" {
			continue
		}
		b.lines[b.next] = s
		b.next++
		if b.next == len(b.lines) {
			b.next = 0
			b.full = true
		}
	}
	b.mu.Unlock()
	return len(p), nil
}

// Lines returns the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]string(nil), b.lines[:b.next]...)
	}
	out := make([]string, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	out = append(out, b.lines[:b.next]...)
	return out
}
