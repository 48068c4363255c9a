package worker

import (
	"strings"
	"sync"
	"time"
)

// stderrLine is one captured line of child stderr.
type stderrLine struct {
	Timestamp time.Time
	Content   string
}

// stderrBuffer keeps the most recent stderr lines of the child process so
// failures can be diagnosed after the fact without unbounded memory.
type stderrBuffer struct {
	mu    sync.RWMutex
	lines []stderrLine
	size  int
	head  int
	count int
}

func newStderrBuffer(size int) *stderrBuffer {
	if size <= 0 {
		size = 200
	}
	return &stderrBuffer{
		lines: make([]stderrLine, size),
		size:  size,
	}
}

func (b *stderrBuffer) Add(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = stderrLine{Timestamp: time.Now(), Content: content}
}

// Tail returns the last n lines joined by newlines, oldest first.
func (b *stderrBuffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	parts := make([]string, 0, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.head + start + i) % b.size
		parts = append(parts, b.lines[idx].Content)
	}
	return strings.Join(parts, "\n")
}

func (b *stderrBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
