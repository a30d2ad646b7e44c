package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const sweepEvery = 5000

type window struct {
	id    int64
	count atomic.Int64
}

// LocalCounter is the in-process backend: one fixed-window counter per
// client address, updated per key with atomic operations rather than a
// whole-map lock. Windows from earlier periods are replaced in place; a
// periodic sweep bounds memory when address churn is high.
type LocalCounter struct {
	limit         int64
	windowSeconds int64
	windows       sync.Map // addr -> *window
	inserts       atomic.Int64
	now           func() time.Time
}

func NewLocalCounter(limit int, windowSeconds int) *LocalCounter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}

	return &LocalCounter{
		limit:         int64(limit),
		windowSeconds: int64(windowSeconds),
		now:           time.Now,
	}
}

// Admit increments the counter for addr in the current window and reports
// whether the request stays within the ceiling. Never returns an error.
func (l *LocalCounter) Admit(_ context.Context, addr string) (bool, error) {
	id := l.now().Unix() / l.windowSeconds

	for {
		value, loaded := l.windows.LoadOrStore(addr, &window{id: id})
		w := value.(*window)
		if w.id == id {
			if !loaded {
				l.maybeSweep(id)
			}
			return w.count.Add(1) <= l.limit, nil
		}
		// Stale window from an earlier period: replace it with a fresh
		// one and retry. A lost CompareAndSwap means another goroutine
		// already replaced it; the next iteration counts against that.
		l.windows.CompareAndSwap(addr, value, &window{id: id})
	}
}

func (l *LocalCounter) maybeSweep(currentID int64) {
	if l.inserts.Add(1)%sweepEvery != 0 {
		return
	}
	l.windows.Range(func(key, value any) bool {
		if w, ok := value.(*window); ok && w.id < currentID {
			l.windows.CompareAndDelete(key, value)
		}
		return true
	})
}
