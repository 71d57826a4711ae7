package async

import (
	"sync"
	"time"

	"github.com/aargor/openset/internal/errs"
)

// Shuttle fans one logical query into N per-partition cells, collects
// the replies, and completes once. Exactly one reply is expected per
// cell: a cell that suicides without replying is a bug the timeout
// surfaces.
type Shuttle[R any] struct {
	mu       sync.Mutex
	expected int
	replies  []R
	firstErr *errs.Error
	done     chan struct{}
	closed   bool
}

// NewShuttle creates a shuttle expecting one reply per cell.
func NewShuttle[R any](expected int) *Shuttle[R] {
	s := &Shuttle[R]{
		expected: expected,
		done:     make(chan struct{}),
	}
	if expected == 0 {
		close(s.done)
		s.closed = true
	}
	return s
}

// Reply delivers one cell's result. A partition_migrated error completes
// the shuttle immediately as retryable; other errors are held and
// surfaced after every cell has replied. Replies after completion are
// dropped.
func (s *Shuttle[R]) Reply(r R, err *errs.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if err != nil {
		if s.firstErr == nil {
			s.firstErr = err
		}
		if err.Kind == errs.PartitionMigrated {
			s.finishLocked()
			return
		}
	} else {
		s.replies = append(s.replies, r)
	}

	s.expected--
	if s.expected <= 0 {
		s.finishLocked()
	}
}

func (s *Shuttle[R]) finishLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Wait blocks for completion or the timeout. On timeout the shuttle
// stops accepting further replies and a timeout error stands in for the
// outstanding cells. Collected replies are returned either way.
func (s *Shuttle[R]) Wait(timeout time.Duration) ([]R, *errs.Error) {
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.mu.Lock()
		if !s.closed {
			if s.firstErr == nil {
				s.firstErr = errs.New(errs.Timeout, "query timed out with %d partitions outstanding", s.expected)
			}
			s.finishLocked()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies, s.firstErr
}
