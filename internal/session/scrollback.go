package session

import (
	"strings"
	"sync"
)

// scrollback retains a session's recent output lines for the heuristic and
// AI detection tiers. Bounded; oldest lines are discarded first.
type scrollback struct {
	mu      sync.Mutex
	lines   []string
	partial string
	max     int
}

func newScrollback(maxLines int) *scrollback {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &scrollback{max: maxLines}
}

// append splits data on newlines and folds it into the ring. Carriage
// returns restart the current partial line, matching what a terminal shows.
func (s *scrollback) append(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			s.partial = foldCR(s.partial + data)
			return
		}
		line := foldCR(s.partial + data[:nl])
		s.partial = ""
		s.lines = append(s.lines, line)
		if len(s.lines) > s.max {
			s.lines = s.lines[len(s.lines)-s.max:]
		}
		data = data[nl+1:]
	}
}

// foldCR keeps only what follows the last carriage return, since a CR
// repositions the cursor at column zero and the new text overwrites.
func foldCR(line string) string {
	if cr := strings.LastIndexByte(line, '\r'); cr >= 0 {
		return line[cr+1:]
	}
	return line
}

// Tail returns the last n lines joined by newlines, including any partial
// line still being written.
func (s *scrollback) Tail(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.lines
	if s.partial != "" {
		all = append(append([]string{}, s.lines...), s.partial)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "\n")
}

// Len returns the retained line count.
func (s *scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.lines)
	if s.partial != "" {
		n++
	}
	return n
}
