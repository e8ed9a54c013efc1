package buffer

import (
	"strings"
	"sync"
)

// Ring keeps the last size entries. It is safe for concurrent use.
type Ring[T any] struct {
	mu      sync.Mutex
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// List returns the retained entries, oldest first.
func (r *Ring[T]) List() []T {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := range r.count {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Lines keeps the most recent output lines of a process.
type Lines struct {
	ring *Ring[string]
}

func NewLines(size int) *Lines {
	return &Lines{ring: NewRing[string](size)}
}

// Add records line without its trailing line break. Blank lines are skipped.
func (lines *Lines) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	lines.ring.Add(line)
}

func (lines *Lines) String() string {
	return strings.Join(lines.ring.List(), "\n")
}
